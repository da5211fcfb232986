package protocol

import "testing"

func TestRoutingTable(t *testing.T) {
	tests := []struct {
		tag    Tag
		name   string
		prefix string
		port   int
	}{
		{Move, "Move", "ER1", 9010},
		{Speak, "Speak", "SPK", 9011},
		{Gripper, "Gripper", "GRP", 9012},
		{Camera, "Camera", "CAM", 9013},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.tag.String(); got != tt.name {
				t.Errorf("String() = %q, want %q", got, tt.name)
			}
			if got := tt.tag.Prefix(); got != tt.prefix {
				t.Errorf("Prefix() = %q, want %q", got, tt.prefix)
			}
			if got := tt.tag.DefaultPort(); got != tt.port {
				t.Errorf("DefaultPort() = %d, want %d", got, tt.port)
			}
			got, ok := TagForPrefix(tt.prefix)
			if !ok || got != tt.tag {
				t.Errorf("TagForPrefix(%q) = %v, %v", tt.prefix, got, ok)
			}
		})
	}
}

func TestTagForPrefix_CaseSensitive(t *testing.T) {
	for _, p := range []string{"er1", "Spk", "ZZZ", "", "ER1 "} {
		if tag, ok := TagForPrefix(p); ok {
			t.Errorf("TagForPrefix(%q) = %v, want no match", p, tag)
		}
	}
}

func TestParseTag(t *testing.T) {
	tests := []struct {
		in      string
		want    Tag
		wantErr bool
	}{
		{in: "move", want: Move},
		{in: "SPEAK", want: Speak},
		{in: " gripper ", want: Gripper},
		{in: "CAM", want: Camera},
		{in: "battery", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseTag(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseTag(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseTag(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestTagText(t *testing.T) {
	b, err := Gripper.MarshalText()
	if err != nil || string(b) != "gripper" {
		t.Fatalf("MarshalText() = %q, %v", b, err)
	}
	var tag Tag
	if err := tag.UnmarshalText([]byte("camera")); err != nil || tag != Camera {
		t.Fatalf("UnmarshalText() = %v, %v", tag, err)
	}
	if _, err := Tag(7).MarshalText(); err == nil {
		t.Error("expected error for invalid tag")
	}
}

func TestIsErrorReply(t *testing.T) {
	tests := map[string]bool{
		"error: gripper jam": true,
		"move error":         true,
		"Error: capital":     false,
		"done":               false,
		"":                   false,
	}
	for reply, want := range tests {
		if got := IsErrorReply(reply); got != want {
			t.Errorf("IsErrorReply(%q) = %v, want %v", reply, got, want)
		}
	}
}
