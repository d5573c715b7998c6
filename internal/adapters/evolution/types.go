package evolution

// SendTextPayload is the body of /message/sendText/{instance}.
type SendTextPayload struct {
	Number string `json:"number"`
	Text   string `json:"text"`
	Delay  int    `json:"delay,omitempty"`
}

// MessageKey identifies a message on the gateway.
type MessageKey struct {
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	ID        string `json:"id"`
}

// SendResult is the gateway's answer to a send.
type SendResult struct {
	Key     MessageKey `json:"key"`
	Status  string     `json:"status,omitempty"`
	Message any        `json:"message,omitempty"`
}

// WebhookConfig is the body of /webhook/set/{instance}.
type WebhookConfig struct {
	Enabled  bool     `json:"enabled"`
	URL      string   `json:"url"`
	ByEvents bool     `json:"webhook_by_events"`
	Base64   bool     `json:"webhook_base64"`
	Events   []string `json:"events"`
}

// connectionStateResponse covers both the v1 flat shape and the v2
// {"instance": {...}} shape.
type connectionStateResponse struct {
	State    string `json:"state"`
	Instance struct {
		InstanceName string `json:"instanceName"`
		State        string `json:"state"`
	} `json:"instance"`
}

func (r connectionStateResponse) state() string {
	if r.Instance.State != "" {
		return r.Instance.State
	}
	return r.State
}
