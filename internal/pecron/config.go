package pecron

import (
	"fmt"
	"strings"
	"time"
)

// Region selects the cloud deployment an account lives in.
type Region string

const (
	RegionUS Region = "US"
	RegionEU Region = "EU"
	RegionCN Region = "CN"

	DefaultRegion  = RegionUS
	DefaultTimeout = 15 * time.Second
)

var regionEndpoints = map[Region]string{
	RegionUS: "https://iot-api-us.pecron.com/",
	RegionEU: "https://iot-api-eu.pecron.com/",
	RegionCN: "https://iot-api.pecron.com.cn/",
}

// ParseRegion accepts the region names case-insensitively. Empty means US.
func ParseRegion(value string) (Region, error) {
	value = strings.ToUpper(strings.TrimSpace(value))
	if value == "" {
		return DefaultRegion, nil
	}
	region := Region(value)
	if _, ok := regionEndpoints[region]; !ok {
		return "", fmt.Errorf("unknown region %q (want US, EU or CN)", value)
	}
	return region, nil
}

func (r Region) Endpoint() string {
	return regionEndpoints[r]
}

// Config configures one Client.
type Config struct {
	// Account labels metrics; it never reaches the cloud.
	Account string
	Region  Region
	// BaseURL overrides the region endpoint.
	BaseURL string
	Timeout time.Duration
}

func (c Config) baseURL() string {
	base := strings.TrimSpace(c.BaseURL)
	if base == "" {
		region := c.Region
		if region == "" {
			region = DefaultRegion
		}
		base = regionEndpoints[region]
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base
}
