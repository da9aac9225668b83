package http

type Config struct {
	Port uint `mapstructure:"port"`
	// APIKeyHash is the bcrypt hash of the key UI clients send in X-API-Key.
	APIKeyHash   string   `mapstructure:"api_key_hash"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}
