package netprov

import "testing"

func TestNewAdapter(t *testing.T) {
	tests := []struct {
		name    string
		mac     string
		want    string
		wantErr bool
	}{
		{name: "colon form", mac: "52:54:00:aa:bb:cc", want: "52:54:00:AA:BB:CC"},
		{name: "colon form upper", mac: "52:54:00:AA:BB:CC", want: "52:54:00:AA:BB:CC"},
		{name: "compact form", mac: "525400aabbcc", want: "52:54:00:AA:BB:CC"},
		{name: "too short", mac: "52:54:00:aa:bb", wantErr: true},
		{name: "bad hex", mac: "52:54:00:aa:bb:zz", wantErr: true},
		{name: "empty", mac: "", wantErr: true},
		{name: "dashes", mac: "52-54-00-aa-bb-cc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ad, err := NewAdapter(tt.mac)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.mac)
				}
				return
			}
			if err != nil {
				t.Fatalf("new adapter: %v", err)
			}
			if ad.MAC != tt.want {
				t.Errorf("expected MAC %q, got %q", tt.want, ad.MAC)
			}
		})
	}
}

func TestAdapterUID(t *testing.T) {
	ad, err := NewAdapter("52:54:00:aa:bb:cc")
	if err != nil {
		t.Fatal(err)
	}
	if got := ad.UID(); got != "aabbcc" {
		t.Errorf("expected uid aabbcc, got %q", got)
	}
	if got := ad.BridgeName(); got != "br-aabbcc" {
		t.Errorf("expected bridge br-aabbcc, got %q", got)
	}
}

func TestAdaptersFromMACs(t *testing.T) {
	ads := AdaptersFromMACs([]string{"52:54:00:aa:bb:cc", "bogus", "525400ddeeff"})
	if len(ads) != 2 {
		t.Fatalf("expected 2 adapters, got %d", len(ads))
	}
	if ads[0].MAC != "52:54:00:AA:BB:CC" || ads[1].MAC != "52:54:00:DD:EE:FF" {
		t.Errorf("unexpected adapters %v", ads)
	}
}

func TestAdaptersFromMACsEmpty(t *testing.T) {
	if ads := AdaptersFromMACs(nil); ads != nil {
		t.Errorf("expected nil, got %v", ads)
	}
}
