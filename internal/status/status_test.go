package status

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Class
	}{
		{nil, ClassNone},
		{fmt.Errorf("send: %w", ErrTooLarge), ClassInputValidation},
		{ErrBusy, ClassResourceBusy},
		{fmt.Errorf("connect: %w", ErrAlreadyConnected), ClassSessionState},
		{fmt.Errorf("%w: %w", ErrTimeout, context.DeadlineExceeded), ClassTimeout},
		{fmt.Errorf("%w: %w", ErrTransport, errors.New("sendto: network unreachable")), ClassTransport},
		{ErrProtocol, ClassProtocol},
		{errors.New("boom"), ClassOther},
	}
	for _, tc := range tests {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
