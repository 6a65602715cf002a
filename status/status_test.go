package status

import (
	"errors"
	"testing"
)

func TestCodeIsError(t *testing.T) {
	var err error = NotFound
	if err.Error() != "NOTFOUND" {
		t.Errorf("NotFound.Error() = %q, want %q", err.Error(), "NOTFOUND")
	}
}

func TestWrapNilError(t *testing.T) {
	if Wrap(OK, nil) != nil {
		t.Error("Wrap(OK, nil) should be nil")
	}
	if err := Wrap(NotFound, nil); err != NotFound {
		t.Errorf("Wrap(NotFound, nil) = %v, want NotFound", err)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(Transport, cause)
	if !errors.Is(err, cause) {
		t.Error("Wrap should preserve the cause for errors.Is")
	}
	if CodeOf(err) != Transport {
		t.Errorf("CodeOf(wrapped) = %v, want Transport", CodeOf(err))
	}
}

func TestCodeOfBareCode(t *testing.T) {
	if CodeOf(Aborted) != Aborted {
		t.Errorf("CodeOf(Aborted) = %v, want Aborted", CodeOf(Aborted))
	}
	if CodeOf(nil) != OK {
		t.Errorf("CodeOf(nil) = %v, want OK", CodeOf(nil))
	}
}

func TestIs(t *testing.T) {
	err := Wrap(NotReady, errors.New("would block"))
	if !Is(err, NotReady) {
		t.Error("Is(err, NotReady) should be true")
	}
	if Is(err, Aborted) {
		t.Error("Is(err, Aborted) should be false")
	}
}

func TestCodeOfUnrecognizedError(t *testing.T) {
	if CodeOf(errors.New("some other failure")) != Transport {
		t.Error("CodeOf(unrecognized error) should default to Transport")
	}
}
