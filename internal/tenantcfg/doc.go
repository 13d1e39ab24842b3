// Package tenantcfg resolves which messaging gateway, and which API key, a
// tenant's session calls go to.
//
// A Resolver walks its strategies in order and returns the first complete
// pair. NewDefault builds the standard chain:
//
//  1. Ambient: gateway.base_url and gateway.api_key from the server config.
//     No I/O.
//  2. Tenant: the tenant's persisted settings, accepting waha_base_url and
//     waha_api_key or the older wahaUrl and wahaApiKey keys.
//  3. EmergencyShared: the first complete pair found among other tenants'
//     records. Every use is logged at WARN and written to the audit log.
//     A negative Options.ScanLimit leaves this tier out.
//
// When no tier yields a pair, Resolve returns ErrConfigurationMissing.
package tenantcfg
