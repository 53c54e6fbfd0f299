package tunnel

import "testing"

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "ok no mapping",
			cfg:  Config{Target: "localhost", Forward: []uint64{80, 443}},
		},
		{
			name: "ok with mapping",
			cfg:  Config{Target: "localhost", Forward: []uint64{22}, Mapping: map[uint64]uint64{22: 2222}},
		},
		{
			name:    "empty target",
			cfg:     Config{Forward: []uint64{80}},
			wantErr: true,
		},
		{
			name:    "duplicate advertised port",
			cfg:     Config{Target: "localhost", Forward: []uint64{80, 80}},
			wantErr: true,
		},
		{
			name:    "mapping for port not advertised",
			cfg:     Config{Target: "localhost", Forward: []uint64{80}, Mapping: map[uint64]uint64{22: 2222}},
			wantErr: true,
		},
		{
			name:    "mapped ports collide",
			cfg:     Config{Target: "localhost", Forward: []uint64{80, 443}, Mapping: map[uint64]uint64{80: 9000, 443: 9000}},
			wantErr: true,
		},
		{
			name:    "mapped port collides with unmapped advertised port",
			cfg:     Config{Target: "localhost", Forward: []uint64{80, 443}, Mapping: map[uint64]uint64{443: 80}},
			wantErr: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestConfigMappedPort(t *testing.T) {
	cfg := Config{Mapping: map[uint64]uint64{22: 2222}}
	if got := cfg.MappedPort(22); got != 2222 {
		t.Errorf("MappedPort(22) = %d, want 2222", got)
	}
	if got := cfg.MappedPort(80); got != 80 {
		t.Errorf("MappedPort(80) = %d, want 80 (unmapped passthrough)", got)
	}
}
