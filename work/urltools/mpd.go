package urltools

import (
	"encoding/xml"
	"strings"

	"ziggotv-proxy/work/logger"
)

type mpdPeriod struct {
	BaseURL []string `xml:"BaseURL"`
}

type mpdDocument struct {
	XMLName xml.Name    `xml:"MPD"`
	BaseURL []string    `xml:"BaseURL"`
	Periods []mpdPeriod `xml:"Period"`
}

// ExtractBaseURL returns the first BaseURL of the manifest's first
// Period, or the MPD-level BaseURL when no Period declares one. Returns
// empty when the manifest has no BaseURL element at all, in which case
// the redirect target's directory is the segment base.
func ExtractBaseURL(manifest []byte) string {
	var doc mpdDocument
	if err := xml.Unmarshal(manifest, &doc); err != nil {
		logger.Debug("{urltools - ExtractBaseURL} manifest did not parse as MPD: %v", err)
		return ""
	}

	for _, p := range doc.Periods {
		for _, b := range p.BaseURL {
			if v := strings.TrimSpace(b); v != "" {
				return v
			}
		}
		break // only the first period counts
	}
	for _, b := range doc.BaseURL {
		if v := strings.TrimSpace(b); v != "" {
			return v
		}
	}
	return ""
}
