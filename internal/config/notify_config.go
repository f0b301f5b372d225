package config

type NotifyConfig interface {
	GetNotifyBaseURL() string
	GetNotifyAPIKey() string
	GetNotifyTemplateID() string
}

type Notify struct{}

var _ NotifyConfig = Notify{}

func (Notify) GetNotifyBaseURL() string {
	return GetEnv("NOTIFY_BASE_URL", "https://api.notification.canada.ca")
}

func (Notify) GetNotifyAPIKey() string {
	return GetEnv("NOTIFY_API_KEY", "")
}

// GetNotifyTemplateID returns the generic template used for all
// transactional emails (subject and body are supplied as personalisation).
func (Notify) GetNotifyTemplateID() string {
	return GetEnv("TEMPLATE_ID", "")
}
