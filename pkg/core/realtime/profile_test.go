package realtime

import "testing"

func TestParseVendor(t *testing.T) {
	tests := []struct {
		in      string
		want    Vendor
		wantErr bool
	}{
		{"qwen", VendorQwen, false},
		{"glm", VendorGLM, false},
		{"gpt", VendorGPT, false},
		{"openai", VendorGPT, false},
		{"step", VendorStep, false},
		{"stepfun", VendorStep, false},
		{"free", VendorFree, false},
		{"gemini", VendorGemini, false},
		{"  Qwen  ", VendorQwen, false},
		{"", 0, true},
		{"claude", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseVendor(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseVendor(%q): expected error, got %v", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseVendor(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseVendor(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestVendorString(t *testing.T) {
	tests := []struct {
		v    Vendor
		want string
	}{
		{VendorQwen, "qwen"},
		{VendorGLM, "glm"},
		{VendorGPT, "gpt"},
		{VendorStep, "step"},
		{VendorFree, "free"},
		{VendorGemini, "gemini"},
		{Vendor(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.v.String(); got != tt.want {
			t.Errorf("Vendor(%d).String() = %q, want %q", int(tt.v), got, tt.want)
		}
	}
}

func TestProfileTable(t *testing.T) {
	for _, v := range []Vendor{VendorQwen, VendorGLM, VendorGPT, VendorStep, VendorFree, VendorGemini} {
		p, ok := ProfileFor(v)
		if !ok {
			t.Fatalf("ProfileFor(%v): no profile", v)
		}
		if p.Vendor != v {
			t.Errorf("%v: profile carries vendor %v", v, p.Vendor)
		}
		if p.Model == "" || p.DefaultVoice == "" {
			t.Errorf("%v: model or voice missing", v)
		}
		if v != VendorGemini && p.URL == "" {
			t.Errorf("%v: websocket vendor has no URL", v)
		}
	}

	if _, ok := ProfileFor(Vendor(99)); ok {
		t.Error("ProfileFor(99): expected no profile")
	}
}

func TestProfileCapabilityFlags(t *testing.T) {
	warmup := map[Vendor]bool{
		VendorQwen: true, VendorGLM: true, VendorGPT: true, VendorStep: true,
		VendorFree: false, VendorGemini: false,
	}
	watchdog := map[Vendor]bool{
		VendorGLM: true, VendorFree: true,
		VendorQwen: false, VendorGPT: false, VendorStep: false, VendorGemini: false,
	}
	for v, want := range warmup {
		p, _ := ProfileFor(v)
		if p.RequiresWarmup != want {
			t.Errorf("%v: RequiresWarmup = %v, want %v", v, p.RequiresWarmup, want)
		}
	}
	for v, want := range watchdog {
		p, _ := ProfileFor(v)
		if p.SilenceWatchdog != want {
			t.Errorf("%v: SilenceWatchdog = %v, want %v", v, p.SilenceWatchdog, want)
		}
		if want && p.SilenceTimeout <= 0 {
			t.Errorf("%v: watchdog enabled but timeout unset", v)
		}
	}

	glm, _ := ProfileFor(VendorGLM)
	if !glm.SuppressTextDelta {
		t.Error("glm: expected SuppressTextDelta")
	}
	qwen, _ := ProfileFor(VendorQwen)
	if !qwen.InstructionsViaSession {
		t.Error("qwen: expected InstructionsViaSession")
	}
	free, _ := ProfileFor(VendorFree)
	if free.ModelQueryParam {
		t.Error("free: dial URL must not carry a model query parameter")
	}
	step, _ := ProfileFor(VendorStep)
	if step.NativeVision {
		t.Error("step: expected out-of-band vision path")
	}
}
