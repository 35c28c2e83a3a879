package realtime_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voxwire/voxwire/pkg/realtime"
	"github.com/voxwire/voxwire/pkg/realtime/mock"
	"github.com/voxwire/voxwire/pkg/types"
)

func TestRegistryCreate(t *testing.T) {
	t.Parallel()

	reg := realtime.NewRegistry()
	reg.Register("mock", func(cfg realtime.ProviderConfig) (realtime.Provider, error) {
		return &mock.Provider{ProviderName: cfg.Name}, nil
	})

	p, err := reg.Create(realtime.ProviderConfig{Name: "mock"})
	if err != nil {
		t.Fatalf("Create() error = %v, want nil", err)
	}
	if got := p.Name(); got != "mock" {
		t.Fatalf("Name() = %q, want %q", got, "mock")
	}
}

func TestRegistryCreateUnknown(t *testing.T) {
	t.Parallel()

	reg := realtime.NewRegistry()
	_, err := reg.Create(realtime.ProviderConfig{Name: "nope"})
	if !errors.Is(err, realtime.ErrNotRegistered) {
		t.Fatalf("Create() error = %v, want ErrNotRegistered", err)
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	t.Parallel()

	reg := realtime.NewRegistry()
	factory := func(realtime.ProviderConfig) (realtime.Provider, error) {
		return &mock.Provider{}, nil
	}
	reg.Register("zeta", factory)
	reg.Register("alpha", factory)
	reg.Register("mid", factory)

	names := reg.Names()
	want := []string{"alpha", "mid", "zeta"}
	if len(names) != len(want) {
		t.Fatalf("Names() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("Names()[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestRedialFirstAttemptSucceeds(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{}
	sess, err := realtime.Redial(context.Background(), p, realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Redial() error = %v, want nil", err)
	}
	defer sess.Close()

	if got := p.Calls(); got != 1 {
		t.Fatalf("Connect calls = %d, want 1", got)
	}
}

func TestRedialRecoversAfterTransientFailures(t *testing.T) {
	t.Parallel()

	dialErr := errors.New("connection refused")
	p := &mock.Provider{ConnectErrs: []error{dialErr, dialErr, nil}}

	sess, err := realtime.Redial(context.Background(), p, realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Redial() error = %v, want nil", err)
	}
	defer sess.Close()

	if got := p.Calls(); got != 3 {
		t.Fatalf("Connect calls = %d, want 3", got)
	}
}

func TestRedialExhaustsRetries(t *testing.T) {
	t.Parallel()

	dialErr := errors.New("connection refused")
	p := &mock.Provider{ConnectErr: dialErr}

	start := time.Now()
	_, err := realtime.Redial(context.Background(), p, realtime.SessionConfig{})
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("Redial() error = nil, want provider unavailable")
	}
	if got := types.CodeOf(err); got != types.CodeProviderUnavailable {
		t.Fatalf("CodeOf(err) = %q, want %q", got, types.CodeProviderUnavailable)
	}
	if !errors.Is(err, dialErr) {
		t.Fatalf("Redial() error does not wrap dial error: %v", err)
	}
	// Initial attempt plus three retries.
	if got := p.Calls(); got != 4 {
		t.Fatalf("Connect calls = %d, want 4", got)
	}
	// Backoff schedule sums to 1750ms.
	if elapsed < 1750*time.Millisecond {
		t.Fatalf("Redial() returned after %v, want >= 1.75s of backoff", elapsed)
	}
}

func TestRedialRespectsContextCancellation(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{ConnectErr: errors.New("connection refused")}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// Cancel during the first backoff window.
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := realtime.Redial(ctx, p, realtime.SessionConfig{})
	if got := types.CodeOf(err); got != types.CodeProviderUnavailable {
		t.Fatalf("CodeOf(err) = %q, want %q", got, types.CodeProviderUnavailable)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Redial() error = %v, want wrapped context.Canceled", err)
	}
	// Cancellation hit before the first retry fired.
	if got := p.Calls(); got != 1 {
		t.Fatalf("Connect calls = %d, want 1", got)
	}
}
