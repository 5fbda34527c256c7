package httpapi

// Config defines HTTP API and console UI settings.
type Config struct {
	Addr               string
	SessionCookie      string
	SessionTTLHours    int
	SessionFile        string
	BaseURL            string
	BasePath           string
	InitialBufferLines int
	UIMaxBufferLines   int
}
