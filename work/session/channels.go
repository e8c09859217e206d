package session

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"ziggotv-proxy/work/logger"
	"ziggotv-proxy/work/types"
)

// AssetType values the locator selection can yield.
const (
	AssetDash     = "Orion-DASH"
	AssetDashHEVC = "Orion-DASH-HEVC"
)

type entitlementsState struct {
	IDs []string        `json:"ids"`
	Raw json.RawMessage `json:"raw,omitempty"`
}

type widevineState struct {
	Certificate string `json:"certificate"`
}

func jsonUnmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// RefreshChannels fetches the channel line-up for the customer's city
// and persists it. The in-memory list and id index are replaced
// wholesale; Channel values are treated as immutable after this.
func (b *Broker) RefreshChannels() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	resp, err := b.hc.Get(b.webBase+"/linear-service/v2/channels", withParams(
		"cityId", strconv.Itoa(b.customer.CityID),
		"language", "nl",
		"productClass", AssetDash,
	))
	if err != nil {
		return err
	}

	var channels []types.Channel
	if err := jsonUnmarshal(resp.Body, &channels); err != nil {
		return fmt.Errorf("parse channel list: %w", err)
	}

	b.channels = channels
	b.reindexChannels()
	if err := b.st.Save(channelsFile, &b.channels); err != nil {
		logger.Warn("{session - RefreshChannels} failed to persist channels: %v", err)
	}
	logger.Info("{session - RefreshChannels} loaded %d channels", len(channels))
	return nil
}

func (b *Broker) reindexChannels() {
	b.channelIndex.Clear()
	for i := range b.channels {
		ch := &b.channels[i]
		b.channelIndex.Store(ch.ID, ch)
	}
}

// Channel returns the channel with the given id, or nil.
func (b *Broker) Channel(id string) *types.Channel {
	ch, _ := b.channelIndex.Load(id)
	return ch
}

// Channels returns the channel list filtered per configuration: hidden
// channels always drop out, adult channels drop out unless allowed, and
// with allowedChannelsOnly set a channel must carry at least one linear
// product the household is entitled to. Sorted by logical number.
func (b *Broker) Channels() []types.Channel {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]types.Channel, 0, len(b.channels))
	for _, ch := range b.channels {
		if ch.IsHidden {
			continue
		}
		if ch.IsAdult && !b.cfg.AdultAllowed {
			continue
		}
		if b.cfg.AllowedChannelsOnly && !b.entitledLocked(ch.LinearProducts) {
			continue
		}
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LogicalChannelNumber < out[j].LogicalChannelNumber
	})
	return out
}

func (b *Broker) entitledLocked(products []string) bool {
	for _, p := range products {
		for _, e := range b.entitlementIDs {
			if p == e {
				return true
			}
		}
	}
	return false
}

// IsEntitled reports whether any of the given product ids is covered by
// the household's entitlements.
func (b *Broker) IsEntitled(products ...string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entitledLocked(products)
}

// ChannelLocator picks the manifest locator for a channel: HEVC only
// when full-HD is allowed and published, then the plain DASH locator,
// then the channel's Default locator as a last resort. The returned
// asset type feeds the live session request.
func ChannelLocator(ch *types.Channel, fullHD bool) (string, string) {
	if fullHD && ch.Locators.DashHEVC != "" {
		return ch.Locators.DashHEVC, AssetDashHEVC
	}
	if ch.Locators.Dash != "" {
		return ch.Locators.Dash, AssetDash
	}
	return ch.Locators.Default, AssetDash
}

// RefreshEntitlements fetches the household's entitlements and persists
// both the raw response and the extracted product ids.
func (b *Broker) RefreshEntitlements() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	u := fmt.Sprintf("%s/purchase-service/v2/customers/%s/entitlements", b.webBase, b.session.HouseholdID)
	resp, err := b.hc.Get(u, nil)
	if err != nil {
		return err
	}

	var parsed struct {
		Entitlements []struct {
			ID string `json:"id"`
		} `json:"entitlements"`
	}
	if err := jsonUnmarshal(resp.Body, &parsed); err != nil {
		return fmt.Errorf("parse entitlements: %w", err)
	}

	ids := make([]string, 0, len(parsed.Entitlements))
	for _, e := range parsed.Entitlements {
		ids = append(ids, e.ID)
	}
	b.entitlementIDs = ids

	state := entitlementsState{IDs: ids, Raw: resp.Body}
	if err := b.st.Save(entitlementsFile, &state); err != nil {
		logger.Warn("{session - RefreshEntitlements} failed to persist entitlements: %v", err)
	}
	logger.Info("{session - RefreshEntitlements} %d entitlements", len(ids))
	return nil
}

// RefreshWidevineLicense fetches the Widevine service certificate. The
// body is binary and stored base64-encoded.
func (b *Broker) RefreshWidevineLicense() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	resp, err := b.hc.Get(b.webBase+"/session-manager/license/certificate/widevine", nil)
	if err != nil {
		return err
	}

	b.widevineCert = base64.StdEncoding.EncodeToString(resp.Body)
	if err := b.st.Save(widevineFile, &widevineState{Certificate: b.widevineCert}); err != nil {
		logger.Warn("{session - RefreshWidevineLicense} failed to persist certificate: %v", err)
	}
	return nil
}

// WidevineCertificate returns the stored base64 certificate, empty when
// never fetched.
func (b *Broker) WidevineCertificate() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.widevineCert
}
