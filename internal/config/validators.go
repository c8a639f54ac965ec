package config

import (
	"fmt"
	"regexp"
)

var validSourceTypes = map[string]bool{
	"JWKS": true, "PEM-CERT": true, "PEM-PUBKEY": true, "RAW": true,
}

var validAuthTypes = map[string]bool{
	"": true, "NONE": true, "BASIC": true, "CLIENT_CREDENTIALS": true,
}

var validResolverTypes = map[string]bool{
	"client-ip": true, "header": true, "route-name": true, "route-path": true,
}

// Validate checks the configuration invariants that must abort process start
// when violated.
func Validate(cfg *Config) error {
	if err := validateRateLimit(&cfg.Gateway.RateLimit); err != nil {
		return err
	}
	if err := validateJWT(&cfg.Gateway.JWT); err != nil {
		return err
	}
	if cfg.Events.Enabled && cfg.Events.Channel == "" {
		return fmt.Errorf("events: channel must be set when events are enabled")
	}
	return nil
}

func validateRateLimit(rl *RateLimitSettings) error {
	resolverNames := make(map[string]bool, len(rl.KeyResolvers))
	for i, kr := range rl.KeyResolvers {
		if kr.Name == "" {
			return fmt.Errorf("rate_limit: key_resolvers[%d] missing name", i)
		}
		if !validResolverTypes[kr.Type] {
			return fmt.Errorf("rate_limit: key resolver %q has unknown type %q", kr.Name, kr.Type)
		}
		if kr.Type == "header" && kr.Header == "" {
			return fmt.Errorf("rate_limit: key resolver %q of type header requires a header name", kr.Name)
		}
		if resolverNames[kr.Name] {
			return fmt.Errorf("rate_limit: duplicate key resolver name %q", kr.Name)
		}
		resolverNames[kr.Name] = true
	}

	if !rl.Enabled {
		return nil
	}

	check := func(scope string, c RateLimitConfig) error {
		if c.ReplenishRate <= 0 || c.ReplenishRate > rl.MaxReplenishRate {
			return fmt.Errorf("rate_limit %s: replenish_rate %d outside (0, %d]",
				scope, c.ReplenishRate, rl.MaxReplenishRate)
		}
		if c.BurstCapacity <= 0 || c.BurstCapacity > rl.MaxBurstCapacity {
			return fmt.Errorf("rate_limit %s: burst_capacity %d outside (0, %d]",
				scope, c.BurstCapacity, rl.MaxBurstCapacity)
		}
		if c.RequestedTokens > c.BurstCapacity {
			return fmt.Errorf("rate_limit %s: requested_tokens %d exceeds burst_capacity %d",
				scope, c.RequestedTokens, c.BurstCapacity)
		}
		if rl.MaxRequestedTokens > 0 && c.RequestedTokens > rl.MaxRequestedTokens {
			return fmt.Errorf("rate_limit %s: requested_tokens %d exceeds max_requested_tokens %d",
				scope, c.RequestedTokens, rl.MaxRequestedTokens)
		}
		if c.BurstCapacity < c.ReplenishRate {
			return fmt.Errorf("rate_limit %s: burst_capacity %d below replenish_rate %d",
				scope, c.BurstCapacity, c.ReplenishRate)
		}
		if c.KeyResolver != "" && !resolverNames[c.KeyResolver] {
			return fmt.Errorf("rate_limit %s: unknown key resolver %q", scope, c.KeyResolver)
		}
		return nil
	}

	if err := check("defaults", rl.Defaults); err != nil {
		return err
	}
	for _, o := range rl.Overrides {
		if o.RouteID == "" {
			return fmt.Errorf("rate_limit: override missing route_id")
		}
		merged := o.RateLimitConfig
		if merged.ReplenishRate == 0 {
			merged.ReplenishRate = rl.Defaults.ReplenishRate
		}
		if merged.BurstCapacity == 0 {
			merged.BurstCapacity = rl.Defaults.BurstCapacity
		}
		if merged.RequestedTokens == 0 {
			merged.RequestedTokens = rl.Defaults.RequestedTokens
		}
		if err := check("override "+o.RouteID, merged); err != nil {
			return err
		}
	}
	return nil
}

func validateJWT(j *JWTConfig) error {
	seen := make(map[string]bool, len(j.KeySources))
	for i, src := range j.KeySources {
		if src.ID == "" {
			return fmt.Errorf("jwt: key_sources[%d] missing id", i)
		}
		if seen[src.ID] {
			return fmt.Errorf("jwt: duplicate key source id %q", src.ID)
		}
		seen[src.ID] = true
		if !validSourceTypes[src.Type] {
			return fmt.Errorf("jwt: key source %q has unknown type %q", src.ID, src.Type)
		}
		if !validAuthTypes[src.AuthType] {
			return fmt.Errorf("jwt: key source %q has unknown auth type %q", src.ID, src.AuthType)
		}
		if src.URL == "" && src.Inline == "" {
			return fmt.Errorf("jwt: key source %q needs a url or inline material", src.ID)
		}
		if src.AuthType == "CLIENT_CREDENTIALS" && src.Credentials.TokenURL == "" {
			return fmt.Errorf("jwt: key source %q requires credentials.token_url for CLIENT_CREDENTIALS", src.ID)
		}
	}

	for name, rule := range j.HeaderClaims {
		if rule.Regex == "" {
			return fmt.Errorf("jwt: header claim %q missing regex", name)
		}
		if _, err := regexp.Compile(rule.Regex); err != nil {
			return fmt.Errorf("jwt: header claim %q has invalid regex: %w", name, err)
		}
	}
	return nil
}
