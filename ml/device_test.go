package ml

import (
	"context"
	"testing"
)

func TestParseDevice(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "", want: "cpu"},
		{in: "cpu", want: "cpu"},
		{in: "CUDA:1", want: "cuda:1"},
		{in: "cuda", want: "cuda"},
		{in: "cuda:x", wantErr: true},
		{in: "tpu:0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			d, err := ParseDevice(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseDevice(%q): erwartet Fehler", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if d.String() != tt.want {
				t.Errorf("ParseDevice(%q) = %s, erwartet %s", tt.in, d, tt.want)
			}
		})
	}
}

func TestSupportsFP8Compute(t *testing.T) {
	tests := []struct {
		device Device
		want   bool
	}{
		{Device{Type: "cuda", ComputeMajor: 8, ComputeMinor: 9}, true},
		{Device{Type: "cuda", ComputeMajor: 9}, true},
		{Device{Type: "cuda", ComputeMajor: 8, ComputeMinor: 6}, false},
		{Device{Type: "cpu", ComputeMajor: 9}, false},
	}

	for _, tt := range tests {
		if got := tt.device.SupportsFP8Compute(); got != tt.want {
			t.Errorf("%+v.SupportsFP8Compute() = %v, erwartet %v", tt.device, got, tt.want)
		}
	}
}

func TestContextAutocaster(t *testing.T) {
	ctx := context.Background()
	if _, ok := AutocastFrom(ctx); ok {
		t.Fatal("leerer Kontext darf keinen Autocast enthalten")
	}

	cuda := Device{Type: "cuda", Index: 0}
	ctx, exit := ContextAutocaster{}.Enter(ctx, cuda, DTypeFloat16)
	defer exit()

	ac, ok := AutocastFrom(ctx)
	if !ok || ac.DType != DTypeFloat16 || ac.Device != cuda {
		t.Errorf("AutocastFrom = %+v, %v", ac, ok)
	}
}
