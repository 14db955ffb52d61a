// Package presence decides whether login evidence places a device on
// campus. It gates registration of new devices only.
package presence

//go:generate mockgen -destination=mocks/mock_gate.go -package=mocks . Gate

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	ReasonWiFiMissing        = "wifi_missing"
	ReasonSSIDNotRegistered  = "ssid_not_registered"
	ReasonBSSIDNotRegistered = "bssid_not_registered"
	ReasonGPSMissing         = "gps_missing"
	ReasonGPSInaccurate      = "gps_inaccurate"
	ReasonOutsideCampus      = "outside_campus"
	ReasonUnavailable        = "presence_unavailable"
)

type WiFiInfo struct {
	SSID  string `json:"ssid"`
	BSSID string `json:"bssid"`
}

type GPSInfo struct {
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
	Accuracy  float64 `json:"accuracy" validate:"gte=0"`
}

type Evidence struct {
	WiFi *WiFiInfo
	GPS  *GPSInfo
}

type Verdict struct {
	Allowed        bool
	Reason         string
	DistanceMeters float64
}

func Allow() Verdict {
	return Verdict{Allowed: true}
}

func Deny(reason string) Verdict {
	return Verdict{Reason: reason}
}

type Gate interface {
	Verify(ctx context.Context, evidence Evidence) (Verdict, error)
}

type CampusConfig struct {
	SSIDs  []string
	BSSIDs []string
	// Geofence enables the GPS radius check around Latitude/Longitude.
	Geofence          bool
	Latitude          float64
	Longitude         float64
	RadiusMeters      float64
	MaxAccuracyMeters float64
}

type CampusGate struct {
	ssids  map[string]struct{}
	bssids map[string]struct{}
	cfg    CampusConfig
}

func NewCampusGate(cfg CampusConfig) *CampusGate {
	gate := &CampusGate{
		ssids:  make(map[string]struct{}, len(cfg.SSIDs)),
		bssids: make(map[string]struct{}, len(cfg.BSSIDs)),
		cfg:    cfg,
	}
	for _, ssid := range cfg.SSIDs {
		gate.ssids[normalize(ssid)] = struct{}{}
	}
	for _, bssid := range cfg.BSSIDs {
		gate.bssids[normalize(bssid)] = struct{}{}
	}
	return gate
}

func (g *CampusGate) Verify(_ context.Context, evidence Evidence) (Verdict, error) {
	if evidence.WiFi == nil || strings.TrimSpace(evidence.WiFi.SSID) == "" {
		return Deny(ReasonWiFiMissing), nil
	}
	if _, ok := g.ssids[normalize(evidence.WiFi.SSID)]; !ok {
		return Deny(ReasonSSIDNotRegistered), nil
	}
	if len(g.bssids) > 0 {
		if _, ok := g.bssids[normalize(evidence.WiFi.BSSID)]; !ok {
			return Deny(ReasonBSSIDNotRegistered), nil
		}
	}
	if !g.cfg.Geofence {
		return Allow(), nil
	}
	if evidence.GPS == nil {
		return Deny(ReasonGPSMissing), nil
	}
	if g.cfg.MaxAccuracyMeters > 0 && evidence.GPS.Accuracy > g.cfg.MaxAccuracyMeters {
		return Deny(ReasonGPSInaccurate), nil
	}
	distance := DistanceMeters(g.cfg.Latitude, g.cfg.Longitude, evidence.GPS.Latitude, evidence.GPS.Longitude)
	if distance > g.cfg.RadiusMeters {
		return Verdict{Reason: ReasonOutsideCampus, DistanceMeters: distance}, nil
	}
	return Verdict{Allowed: true, DistanceMeters: distance}, nil
}

const earthRadiusMeters = 6371000

// DistanceMeters is the haversine great-circle distance.
func DistanceMeters(lat1, lng1, lat2, lng2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

type failClosed struct {
	gate    Gate
	timeout time.Duration
	log     *zap.Logger
}

// FailClosed wraps gate so that errors, panics and timeouts become a deny
// verdict with ReasonUnavailable. The returned Gate never returns an error.
func FailClosed(gate Gate, timeout time.Duration, log *zap.Logger) Gate {
	if log == nil {
		log = zap.NewNop()
	}
	return &failClosed{gate: gate, timeout: timeout, log: log}
}

type verifyResult struct {
	verdict Verdict
	err     error
}

func (f *failClosed) Verify(ctx context.Context, evidence Evidence) (Verdict, error) {
	if f.gate == nil {
		return Deny(ReasonUnavailable), nil
	}
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	done := make(chan verifyResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- verifyResult{err: panicError{value: rec}}
			}
		}()
		verdict, err := f.gate.Verify(ctx, evidence)
		done <- verifyResult{verdict: verdict, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			f.log.Warn("presence gate failed, denying", zap.Error(res.err))
			return Deny(ReasonUnavailable), nil
		}
		return res.verdict, nil
	case <-ctx.Done():
		f.log.Warn("presence gate timed out, denying", zap.Error(ctx.Err()))
		return Deny(ReasonUnavailable), nil
	}
}

type panicError struct {
	value any
}

func (p panicError) Error() string {
	return fmt.Sprintf("presence gate panic: %v", p.value)
}
