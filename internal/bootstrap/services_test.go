package bootstrap

import (
	"testing"

	"github.com/ayazgul2000/threatdiviner/config"
)

func TestErrorChannelCapacity(t *testing.T) {
	tests := []struct {
		name  string
		modes []config.ServiceMode
		want  int
	}{
		{
			name: "no services enabled",
			want: 0,
		},
		{
			name:  "scheduler only",
			modes: []config.ServiceMode{config.ServiceModeScheduler},
			want:  1,
		},
		{
			name:  "scheduler and scan runner",
			modes: []config.ServiceMode{config.ServiceModeScheduler, config.ServiceModeScanRunner},
			want:  2,
		},
		{
			name: "all services enabled",
			modes: []config.ServiceMode{
				config.ServiceModeScheduler,
				config.ServiceModeScanRunner,
				config.ServiceModeMaintenance,
			},
			want: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enabled := make(map[config.ServiceMode]bool, len(tt.modes))
			for _, mode := range tt.modes {
				enabled[mode] = true
			}

			if got := errorChannelCapacity(enabled); got != tt.want {
				t.Fatalf("errorChannelCapacity(%v) = %d, want %d", tt.modes, got, tt.want)
			}
		})
	}
}

func TestErrorChannelBufferSize(t *testing.T) {
	tests := []struct {
		name  string
		modes []config.ServiceMode
		want  int
	}{
		{
			name: "no services enabled",
			want: 1,
		},
		{
			name:  "maintenance only",
			modes: []config.ServiceMode{config.ServiceModeMaintenance},
			want:  2,
		},
		{
			name: "all services enabled",
			modes: []config.ServiceMode{
				config.ServiceModeScheduler,
				config.ServiceModeScanRunner,
				config.ServiceModeMaintenance,
			},
			want: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enabled := make(map[config.ServiceMode]bool, len(tt.modes))
			for _, mode := range tt.modes {
				enabled[mode] = true
			}

			if got := errorChannelBufferSize(enabled); got != tt.want {
				t.Fatalf("errorChannelBufferSize(%v) = %d, want %d", tt.modes, got, tt.want)
			}
		})
	}
}

func TestValidateServiceConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *config.AppConfig
		wantErr bool
	}{
		{
			name:    "nil config",
			wantErr: true,
		},
		{
			name: "scheduler only",
			cfg:  &config.AppConfig{Services: "scheduler"},
		},
		{
			name:    "unknown service",
			cfg:     &config.AppConfig{Services: "mainframe"},
			wantErr: true,
		},
		{
			name:    "scan runner without engine url",
			cfg:     &config.AppConfig{Services: "scan-runner"},
			wantErr: true,
		},
		{
			name: "scan runner with engine url",
			cfg: &config.AppConfig{
				Services:   "scan-runner",
				ScanRunner: config.ScanRunnerConfig{EngineURL: "http://scan-engine:9000"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateServiceConfig(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
