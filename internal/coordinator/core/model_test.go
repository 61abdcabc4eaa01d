package core

import (
	"errors"
	"testing"
	"time"
)

func TestJobSpec_Validate(t *testing.T) {
	zero := 0
	three := 3

	tests := []struct {
		name    string
		spec    JobSpec
		wantErr bool
	}{
		{
			name: "map and final",
			spec: JobSpec{ID: "j1", Phases: []PhaseSpec{{Name: PhaseMap}, {Name: PhaseFinal}}},
		},
		{
			name: "map only",
			spec: JobSpec{ID: "j1", Phases: []PhaseSpec{{Name: PhaseMap}}},
		},
		{
			name: "explicit reduce width",
			spec: JobSpec{ID: "j1", Phases: []PhaseSpec{{Name: PhaseMap}, {Name: "reduce", Width: &three}, {Name: PhaseFinal}}},
		},
		{
			name:    "missing id",
			spec:    JobSpec{Phases: []PhaseSpec{{Name: PhaseMap}}},
			wantErr: true,
		},
		{
			name:    "no phases",
			spec:    JobSpec{ID: "j1"},
			wantErr: true,
		},
		{
			name:    "first phase is not map",
			spec:    JobSpec{ID: "j1", Phases: []PhaseSpec{{Name: "reduce"}, {Name: PhaseFinal}}},
			wantErr: true,
		},
		{
			name:    "unnamed phase",
			spec:    JobSpec{ID: "j1", Phases: []PhaseSpec{{Name: PhaseMap}, {}}},
			wantErr: true,
		},
		{
			name:    "zero width",
			spec:    JobSpec{ID: "j1", Phases: []PhaseSpec{{Name: PhaseMap}, {Name: "reduce", Width: &zero}}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidSpec) {
				t.Errorf("Validate() error = %v, want ErrInvalidSpec", err)
			}
		})
	}
}

func TestJobSpec_EffectivePriority(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)

	t.Run("explicit priority wins", func(t *testing.T) {
		p := int64(7)
		spec := JobSpec{Priority: &p, SubmittedAt: at}
		if got := spec.EffectivePriority(); got != 7 {
			t.Errorf("EffectivePriority() = %v, want 7", got)
		}
	})

	t.Run("derived from submission time", func(t *testing.T) {
		spec := JobSpec{SubmittedAt: at}
		if got, want := spec.EffectivePriority(), at.Unix()>>8; got != want {
			t.Errorf("EffectivePriority() = %v, want %v", got, want)
		}
	})

	t.Run("close submissions share a priority", func(t *testing.T) {
		base := time.Unix(1_700_000_000&^0xff, 0)
		a := JobSpec{SubmittedAt: base}
		b := JobSpec{SubmittedAt: base.Add(200 * time.Second)}
		if a.EffectivePriority() != b.EffectivePriority() {
			t.Errorf("expected equal priorities, got %v and %v", a.EffectivePriority(), b.EffectivePriority())
		}
	})
}

func TestPhaseSpec_IsFinal(t *testing.T) {
	if !(PhaseSpec{Name: PhaseFinal}).IsFinal() {
		t.Error("final phase not detected")
	}
	if (PhaseSpec{Name: "reduce"}).IsFinal() {
		t.Error("reduce phase reported as final")
	}
}
