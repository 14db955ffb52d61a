package presence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/Bala333sr/IntelliAttend-sub000/internal/presence"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/presence/mocks"
)

const (
	campusLat = 17.3850
	campusLng = 78.4867
)

func campusGate() *presence.CampusGate {
	return presence.NewCampusGate(presence.CampusConfig{
		SSIDs:             []string{"Campus-Main"},
		Geofence:          true,
		Latitude:          campusLat,
		Longitude:         campusLng,
		RadiusMeters:      500,
		MaxAccuracyMeters: 100,
	})
}

func TestCampusGate(t *testing.T) {
	onCampus := &presence.GPSInfo{Latitude: campusLat + 0.001, Longitude: campusLng, Accuracy: 15}
	cases := []struct {
		name     string
		evidence presence.Evidence
		allowed  bool
		reason   string
	}{
		{"on campus", presence.Evidence{WiFi: &presence.WiFiInfo{SSID: "campus-main "}, GPS: onCampus}, true, ""},
		{"no wifi", presence.Evidence{GPS: onCampus}, false, presence.ReasonWiFiMissing},
		{"unknown ssid", presence.Evidence{WiFi: &presence.WiFiInfo{SSID: "CoffeeShop"}, GPS: onCampus}, false, presence.ReasonSSIDNotRegistered},
		{"no gps", presence.Evidence{WiFi: &presence.WiFiInfo{SSID: "Campus-Main"}}, false, presence.ReasonGPSMissing},
		{"inaccurate gps", presence.Evidence{
			WiFi: &presence.WiFiInfo{SSID: "Campus-Main"},
			GPS:  &presence.GPSInfo{Latitude: campusLat, Longitude: campusLng, Accuracy: 250},
		}, false, presence.ReasonGPSInaccurate},
		{"too far", presence.Evidence{
			WiFi: &presence.WiFiInfo{SSID: "Campus-Main"},
			GPS:  &presence.GPSInfo{Latitude: campusLat + 0.05, Longitude: campusLng, Accuracy: 10},
		}, false, presence.ReasonOutsideCampus},
	}
	gate := campusGate()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verdict, err := gate.Verify(context.Background(), tc.evidence)
			require.NoError(t, err)
			assert.Equal(t, tc.allowed, verdict.Allowed)
			assert.Equal(t, tc.reason, verdict.Reason)
		})
	}
}

func TestCampusGateBSSID(t *testing.T) {
	gate := presence.NewCampusGate(presence.CampusConfig{
		SSIDs:  []string{"Campus-Main"},
		BSSIDs: []string{"AA:BB:CC:DD:EE:FF"},
	})
	verdict, err := gate.Verify(context.Background(), presence.Evidence{WiFi: &presence.WiFiInfo{SSID: "Campus-Main", BSSID: "aa:bb:cc:dd:ee:ff"}})
	require.NoError(t, err)
	assert.True(t, verdict.Allowed)

	verdict, err = gate.Verify(context.Background(), presence.Evidence{WiFi: &presence.WiFiInfo{SSID: "Campus-Main", BSSID: "11:22:33:44:55:66"}})
	require.NoError(t, err)
	assert.Equal(t, presence.ReasonBSSIDNotRegistered, verdict.Reason)
}

func TestDistanceMeters(t *testing.T) {
	// One thousandth of a degree of latitude is roughly 111 metres.
	assert.InDelta(t, 111.2, presence.DistanceMeters(campusLat, campusLng, campusLat+0.001, campusLng), 0.5)
	assert.Zero(t, presence.DistanceMeters(campusLat, campusLng, campusLat, campusLng))
}

func TestFailClosedOnError(t *testing.T) {
	ctrl := gomock.NewController(t)
	gate := mocks.NewMockGate(ctrl)
	gate.EXPECT().Verify(gomock.Any(), gomock.Any()).Return(presence.Verdict{Allowed: true}, errors.New("geo service down"))

	verdict, err := presence.FailClosed(gate, time.Second, nil).Verify(context.Background(), presence.Evidence{})
	require.NoError(t, err)
	assert.False(t, verdict.Allowed)
	assert.Equal(t, presence.ReasonUnavailable, verdict.Reason)
}

func TestFailClosedOnTimeout(t *testing.T) {
	ctrl := gomock.NewController(t)
	gate := mocks.NewMockGate(ctrl)
	release := make(chan struct{})
	defer close(release)
	gate.EXPECT().Verify(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, _ presence.Evidence) (presence.Verdict, error) {
		<-release
		return presence.Allow(), nil
	})

	verdict, err := presence.FailClosed(gate, 20*time.Millisecond, nil).Verify(context.Background(), presence.Evidence{})
	require.NoError(t, err)
	assert.Equal(t, presence.ReasonUnavailable, verdict.Reason)
}

func TestFailClosedPassesVerdict(t *testing.T) {
	ctrl := gomock.NewController(t)
	gate := mocks.NewMockGate(ctrl)
	gate.EXPECT().Verify(gomock.Any(), gomock.Any()).Return(presence.Deny(presence.ReasonSSIDNotRegistered), nil)

	verdict, err := presence.FailClosed(gate, time.Second, nil).Verify(context.Background(), presence.Evidence{})
	require.NoError(t, err)
	assert.Equal(t, presence.ReasonSSIDNotRegistered, verdict.Reason)

	verdict, err = presence.FailClosed(nil, time.Second, nil).Verify(context.Background(), presence.Evidence{})
	require.NoError(t, err)
	assert.False(t, verdict.Allowed)
}
