package cmd

import (
	"errors"
	"fmt"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"

	"github.com/3leaps/graspatracker/pkg/driver"
	"github.com/3leaps/graspatracker/pkg/jobstate"
	"github.com/3leaps/graspatracker/pkg/script"
)

func TestRunExitError(t *testing.T) {
	cfgErr := &script.ConfigError{Step: "charge", Reference: "/missing/charge.sh", Err: errors.New("no such file")}

	tests := []struct {
		name string
		err  error
		want int
	}{
		{
			name: "unresolvable step script",
			err:  fmt.Errorf("generate script for batch_1: %w", cfgErr),
			want: foundry.ExitInvalidArgument,
		},
		{
			name: "no input files",
			err:  driver.ErrNoInputFiles,
			want: foundry.ExitFileNotFound,
		},
		{
			name: "status table locked",
			err:  fmt.Errorf("save: %w", jobstate.ErrLockBusy),
			want: foundry.ExitFileWriteError,
		},
		{
			name: "anything else",
			err:  assert.AnError,
			want: foundry.ExitFileWriteError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runExitError(tt.err)
			assert.Equal(t, tt.want, ExitCode(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}
