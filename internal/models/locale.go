package models

// Supported payment form locales.
const (
	LocaleEnUS = "en_US"
	LocaleET   = "et"
	LocaleLV   = "lv"
	LocaleLT   = "lt"
	LocalePL   = "pl"
	LocaleFI   = "fi"
	LocaleRU   = "ru"
)

// Locales lists every locale accepted by the payment form.
var Locales = []string{LocaleEnUS, LocaleET, LocaleLV, LocaleLT, LocalePL, LocaleFI, LocaleRU}

// Checkout environments. Each maps to its own gateway base URL.
const (
	EnvironmentProduction        = "production"
	EnvironmentSandbox           = "sandbox"
	EnvironmentDevelopment       = "development"
	EnvironmentPreliveSandbox    = "prelive-sandbox"
	EnvironmentPreliveProduction = "prelive-production"
)

// Environments lists every checkout environment.
var Environments = []string{
	EnvironmentProduction,
	EnvironmentSandbox,
	EnvironmentDevelopment,
	EnvironmentPreliveSandbox,
	EnvironmentPreliveProduction,
}
