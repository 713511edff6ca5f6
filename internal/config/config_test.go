package config

import (
	"testing"
	"time"

	"camcast/native/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, "ws://localhost:8080/publish", cfg.ServerURI)
	assert.Equal(t, "-", cfg.VideoSource)
	assert.Equal(t, 1920, cfg.Video.Width)
	assert.Equal(t, 1080, cfg.Video.Height)
	assert.Equal(t, 25, cfg.Video.FPS)
	assert.Equal(t, 500*time.Millisecond, cfg.RotationPoll)
	assert.Zero(t, cfg.StartTimeout)
	assert.Equal(t, 5*time.Second, cfg.StopTimeout)
}

func TestParse_Overrides(t *testing.T) {
	t.Setenv("CAMCAST_SERVER_URI", "srt://my.server.url:9998?streamid=myStreamId&passphrase=myPassphrase")
	t.Setenv("CAMCAST_VIDEO_WIDTH", "1280")
	t.Setenv("CAMCAST_VIDEO_HEIGHT", "720")
	t.Setenv("CAMCAST_START_TIMEOUT", "15s")

	cfg, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, "srt://my.server.url:9998?streamid=myStreamId&passphrase=myPassphrase", cfg.ServerURI)
	assert.Equal(t, 1280, cfg.Video.Width)
	assert.Equal(t, 720, cfg.Video.Height)
	assert.Equal(t, 15*time.Second, cfg.StartTimeout)
}

func TestParse_RejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"CAMCAST_SERVER_URI":    "not a uri",
		"CAMCAST_VIDEO_FPS":     "0",
		"CAMCAST_ROTATION_POLL": "0s",
		"CAMCAST_START_TIMEOUT": "-1s",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Parse()
			require.Error(t, err)
		})
	}
}

func TestICE_CredentialsOnlyForTURN(t *testing.T) {
	cfg := &Config{
		ICEServers:    []string{"stun:stun.example.com:19302", " turn:turn.example.com:3478", ""},
		ICEUsername:   "user",
		ICECredential: "secret",
	}

	assert.Equal(t, []domain.ICEServer{
		{URL: "stun:stun.example.com:19302"},
		{URL: "turn:turn.example.com:3478", Username: "user", Credential: "secret"},
	}, cfg.ICE())
}
