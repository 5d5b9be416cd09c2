package protocol

type WelcomePayload struct {
	ClientID    string `json:"client_id"`
	SessionCode string `json:"session_code"`
	UserID      string `json:"user_id,omitempty"`
	Username    string `json:"username,omitempty"`
	Role        string `json:"role,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type SuccessPayload struct {
	Message string `json:"message,omitempty"`
	// Of is the type of the request being acknowledged.
	Of MessageType `json:"of,omitempty"`
}

type AuthTokenPayload struct {
	Token string `json:"token"`
}

type AssetUploadRequestPayload struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
	XXHash      string `json:"xxhash,omitempty"`
	AssetID     string `json:"asset_id,omitempty"`
}

type AssetUploadResponsePayload struct {
	Success   bool   `json:"success"`
	AssetID   string `json:"asset_id,omitempty"`
	UploadURL string `json:"upload_url,omitempty"`
	Instant   bool   `json:"instant,omitempty"`
	Error     string `json:"error,omitempty"`
}

type AssetDownloadRequestPayload struct {
	AssetID string `json:"asset_id"`
}

type AssetDownloadResponsePayload struct {
	Success     bool   `json:"success"`
	AssetID     string `json:"asset_id"`
	DownloadURL string `json:"download_url,omitempty"`
	Error       string `json:"error,omitempty"`
}

type CompendiumSearchPayload struct {
	Query    string `json:"query"`
	Category string `json:"category,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

type CompendiumSearchResponsePayload struct {
	Query   string           `json:"query"`
	Results []map[string]any `json:"results"`
	Error   string           `json:"error,omitempty"`
}

// BatchPayload carries several envelopes sent as one frame.
type BatchPayload struct {
	Messages []Envelope `json:"messages"`
}
