package config

// BrowserConfig configures the Chrome instance behind each worker's conduit.
type BrowserConfig struct {
	// Path to the Chrome binary. Empty lets the launcher locate or download one.
	Bin string `yaml:"bin" toml:"bin"`

	// Attach to an already running browser instead of launching one.
	DebuggerURL string `yaml:"debugger_url" toml:"debugger_url"`

	Headless            bool     `yaml:"headless" toml:"headless"`
	UserAgent           string   `yaml:"user_agent" toml:"user_agent"`
	NavigationTimeoutMs int      `yaml:"navigation_timeout_ms" toml:"navigation_timeout_ms"`
	LaunchFlags         []string `yaml:"launch_flags" toml:"launch_flags"`
}

// SelectorsConfig overrides the CSS locators used against the chat application.
// Empty fields keep the built-in defaults.
type SelectorsConfig struct {
	AppURL           string `yaml:"app_url,omitempty" toml:"app_url,omitempty"`
	Ready            string `yaml:"ready,omitempty" toml:"ready,omitempty"`
	QRCode           string `yaml:"qr_code,omitempty" toml:"qr_code,omitempty"`
	QRAttribute      string `yaml:"qr_attribute,omitempty" toml:"qr_attribute,omitempty"`
	ChatList         string `yaml:"chat_list,omitempty" toml:"chat_list,omitempty"`
	IncomingText     string `yaml:"incoming_text,omitempty" toml:"incoming_text,omitempty"`
	IncomingRow      string `yaml:"incoming_row,omitempty" toml:"incoming_row,omitempty"`
	Composer         string `yaml:"composer,omitempty" toml:"composer,omitempty"`
	SendButton       string `yaml:"send_button,omitempty" toml:"send_button,omitempty"`
	NewChat          string `yaml:"new_chat,omitempty" toml:"new_chat,omitempty"`
	SearchBox        string `yaml:"search_box,omitempty" toml:"search_box,omitempty"`
	ContactTitle     string `yaml:"contact_title,omitempty" toml:"contact_title,omitempty"`
	AttachButton     string `yaml:"attach_button,omitempty" toml:"attach_button,omitempty"`
	FileInput        string `yaml:"file_input,omitempty" toml:"file_input,omitempty"`
	DisconnectMarker string `yaml:"disconnect_marker,omitempty" toml:"disconnect_marker,omitempty"`
}
