package device

import "strings"

// DefaultBoardType is reported by firmware that does not name its board.
const DefaultBoardType = "picopass_hw"

// BoardProfile describes a supported board variant.
type BoardProfile struct {
	ID          string `json:"id"`
	Vendor      string `json:"vendor"`
	Model       string `json:"model"`
	Chip        string `json:"chip"`
	Recommended bool   `json:"recommended"`
}

// DisplayName is "<vendor> <model>".
func (p BoardProfile) DisplayName() string {
	return p.Vendor + " " + p.Model
}

var profiles = []BoardProfile{
	{ID: "raspberry_pi_pico", Vendor: "Raspberry Pi", Model: "Pico (RP2040)", Chip: "RP2040"},
	{ID: "raspberry_pi_pico_w", Vendor: "Raspberry Pi", Model: "Pico W (RP2040)", Chip: "RP2040"},
	{ID: "raspberry_pi_pico2", Vendor: "Raspberry Pi", Model: "Pico 2 (RP2350)", Chip: "RP2350", Recommended: true},
	{ID: "waveshare_rp2350_zero", Vendor: "Waveshare", Model: "RP2350-Zero", Chip: "RP2350", Recommended: true},
	{ID: "waveshare_rp2350_one", Vendor: "Waveshare", Model: "RP2350-One", Chip: "RP2350", Recommended: true},
	{ID: "waveshare_rp2350_plus", Vendor: "Waveshare", Model: "RP2350-Plus", Chip: "RP2350", Recommended: true},
	{ID: "esp32_s3", Vendor: "Espressif", Model: "ESP32-S3", Chip: "ESP32-S3", Recommended: true},
}

// Profiles returns every known board profile.
func Profiles() []BoardProfile {
	out := make([]BoardProfile, len(profiles))
	copy(out, profiles)
	return out
}

// LookupProfile finds a profile by id, or by a model name containing
// boardType (case-insensitive).
func LookupProfile(boardType string) (BoardProfile, bool) {
	if boardType == "" {
		return BoardProfile{}, false
	}
	needle := strings.ToLower(boardType)
	for _, p := range profiles {
		if p.ID == boardType || strings.Contains(strings.ToLower(p.Model), needle) {
			return p, true
		}
	}
	return BoardProfile{}, false
}

// DisplayName returns the name the UI shows for a board type.
func DisplayName(boardType string) string {
	if p, ok := LookupProfile(boardType); ok {
		return p.DisplayName()
	}
	return "PicoPass Device"
}
