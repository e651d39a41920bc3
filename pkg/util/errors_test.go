package util

import (
	"errors"
	"strings"
	"testing"
)

func TestNotFoundErrorUnwrap(t *testing.T) {
	err := NewNotFoundError("node", "7")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("NotFoundError should unwrap to ErrNotFound")
	}
	if got := err.Error(); got != "node 7 not found" {
		t.Errorf("Error() = %q", got)
	}
}

func TestTransitionErrorUnwrap(t *testing.T) {
	err := &TransitionError{From: "runtime", To: "instantiation"}
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("TransitionError should unwrap to ErrInvalidTransition")
	}
	if !strings.Contains(err.Error(), "runtime -> instantiation") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestFabricErrorUnwrap(t *testing.T) {
	inner := errors.New("exit status 2")
	err := NewFabricError("create", "b.1.9ac3", inner)
	if !errors.Is(err, ErrFabric) {
		t.Errorf("FabricError should unwrap to ErrFabric")
	}
	if !strings.Contains(err.Error(), "b.1.9ac3") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestDependencyCycleError(t *testing.T) {
	err := &DependencyCycleError{Node: "n1", Services: []string{"A", "B", "A"}}
	if !errors.Is(err, ErrServiceDependency) {
		t.Errorf("DependencyCycleError should unwrap to ErrServiceDependency")
	}
	if !strings.Contains(err.Error(), "A -> B -> A") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestValidationBuilder(t *testing.T) {
	var b ValidationBuilder
	b.Add(true, "should not appear")
	if b.HasErrors() {
		t.Fatalf("no errors expected yet")
	}
	b.Add(false, "first problem")
	b.AddErrorf("second problem: %d", 42)
	err := b.Build()
	if err == nil {
		t.Fatalf("Build() should return an error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "first problem") || !strings.Contains(msg, "second problem: 42") {
		t.Errorf("Build() error = %q", msg)
	}
	if strings.Contains(msg, "should not appear") {
		t.Errorf("Build() error contains suppressed message: %q", msg)
	}
}

func TestValidationErrorSingle(t *testing.T) {
	err := &ValidationError{Errors: []string{"only one"}}
	if got := err.Error(); got != "validation failed: only one" {
		t.Errorf("Error() = %q", got)
	}
}
