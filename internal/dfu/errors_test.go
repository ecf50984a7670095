package dfu

import (
	"errors"
	"testing"
)

func TestIsRetriable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{ErrAborted, false},
		{ErrNotificationTimeout, false},
		{ErrInvalidCRC, true},
		{ErrInvalidOffset, true},
		{&TargetError{Opcode: OpCreate, Result: ResultOperationFailed}, true},
		{errors.New("some transient GATT write error"), true},
	}
	for _, c := range cases {
		if got := IsRetriable(c.err); got != c.want {
			t.Errorf("IsRetriable(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestTargetErrorMessage(t *testing.T) {
	err := &TargetError{Opcode: OpExecute, Result: ResultInvalidObject}
	if err.Error() == "" {
		t.Fatal("expected a non-empty error message")
	}
}

func TestResultCodeStringUnknown(t *testing.T) {
	var r ResultCode = 0xFF
	if r.String() == "" {
		t.Fatal("expected a non-empty string for an unknown result code")
	}
}
