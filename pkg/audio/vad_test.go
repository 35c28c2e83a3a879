package audio_test

import (
	"testing"

	"github.com/voxwire/voxwire/pkg/audio"
)

func TestDetectorSpeechVsSilence(t *testing.T) {
	t.Parallel()

	d := audio.NewDetector(0, 0)

	loud := d.Process(sineFrame(0.3))
	if !loud.Active {
		t.Fatalf("loud frame: Active = false, want true (level %.4f)", loud.Level)
	}
	if loud.Level <= 0.1 {
		t.Fatalf("loud frame: Level = %.4f, want > 0.1", loud.Level)
	}

	d2 := audio.NewDetector(0, 0)
	quiet := d2.Process(make([]byte, 1920))
	if quiet.Active {
		t.Fatalf("silent frame: Active = true, want false")
	}
	if quiet.Level != 0 {
		t.Fatalf("silent frame: Level = %.4f, want 0", quiet.Level)
	}
}

func TestDetectorHangover(t *testing.T) {
	t.Parallel()

	d := audio.NewDetector(audio.DefaultVADThreshold, 2)

	if h := d.Process(sineFrame(0.3)); !h.Active {
		t.Fatalf("speech frame not active")
	}

	// Two silent frames ride the hangover, the third goes inactive.
	silence := make([]byte, 1920)
	if h := d.Process(silence); !h.Active {
		t.Fatalf("hangover frame 1: Active = false, want true")
	}
	if h := d.Process(silence); !h.Active {
		t.Fatalf("hangover frame 2: Active = false, want true")
	}
	if h := d.Process(silence); h.Active {
		t.Fatalf("post-hangover frame: Active = true, want false")
	}
}

func TestDetectorEmptyFrame(t *testing.T) {
	t.Parallel()

	d := audio.NewDetector(0, 0)
	if h := d.Process(nil); h.Active || h.Level != 0 {
		t.Fatalf("empty frame: got %+v, want inactive zero level", h)
	}
}
