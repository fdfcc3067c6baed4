package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/mssola/user_agent"
	"github.com/tidwall/gjson"
	"github.com/zpiroux/fnchain/entity"
)

// UserAgent is the structured form of a user agent string.
type UserAgent struct {
	Platform     string  `json:"platform"`
	OS           OS      `json:"operatingSystem"`
	Localization string  `json:"localization"`
	Browser      Browser `json:"browser"`
	Bot          bool    `json:"bot"`
	Mobile       bool    `json:"mobile"`
}

type OS struct {
	Name     string `json:"name"`
	FullName string `json:"fullName"`
	Version  string `json:"version"`
}

type Browser struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	Engine        string `json:"engine"`
	EngineVersion string `json:"engineVersion"`
}

// ParseUserAgent parses s, which may be URL encoded.
func ParseUserAgent(s string) (UserAgent, error) {
	decoded, err := url.QueryUnescape(s)
	if err != nil {
		return UserAgent{}, fmt.Errorf("invalid user agent encoding: %w", err)
	}

	ua := user_agent.New(decoded)
	osInfo := ua.OSInfo()
	browser, browserVersion := ua.Browser()
	engine, engineVersion := ua.Engine()

	return UserAgent{
		Platform:     ua.Platform(),
		OS:           OS{Name: osInfo.Name, FullName: osInfo.FullName, Version: osInfo.Version},
		Localization: ua.Localization(),
		Browser: Browser{
			Name:          browser,
			Version:       browserVersion,
			Engine:        engine,
			EngineVersion: engineVersion,
		},
		Bot:    ua.Bot(),
		Mobile: ua.Mobile(),
	}, nil
}

// userAgentConfig names the field holding the UA string and where to put the parsed
// object. Target defaults to Path, replacing the string.
type userAgentConfig struct {
	Path   string `json:"path"`
	Target string `json:"target,omitempty"`
}

func userAgent(ctx context.Context, in entity.Output, config map[string]any) (entity.ChainResult, error) {

	var c userAgentConfig
	if err := decodeConfig(UserAgentParse, config, &c); err != nil {
		return entity.ChainResult{}, err
	}
	if c.Path == "" {
		return entity.ChainResult{}, fmt.Errorf("%w: %s requires path", ErrInvalidConfig, UserAgentParse)
	}
	if c.Target == "" {
		c.Target = c.Path
	}

	v := gjson.GetBytes(in.Payload, c.Path)
	if !v.Exists() || v.String() == "" {
		return entity.Continue(in.Table, in.Payload), nil
	}

	ua, err := ParseUserAgent(v.String())
	if err != nil {
		return entity.ChainResult{}, err
	}
	data, err := json.Marshal(ua)
	if err != nil {
		return entity.ChainResult{}, err
	}
	payload, err := setRaw(in.Payload, c.Target, data)
	if err != nil {
		return entity.ChainResult{}, fmt.Errorf("%s: %w", UserAgentParse, err)
	}
	return entity.Continue(in.Table, payload), nil
}
