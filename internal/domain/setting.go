package domain

// Runtime setting names.
const (
	SettingProviderWebhookURL         = "provider_webhook_url"
	SettingProviderFallbackWebhookURL = "provider_fallback_webhook_url"
)

// KnownSettings lists the names operators may set.
var KnownSettings = []string{
	SettingProviderWebhookURL,
	SettingProviderFallbackWebhookURL,
}

func IsKnownSetting(name string) bool {
	for _, s := range KnownSettings {
		if s == name {
			return true
		}
	}
	return false
}
