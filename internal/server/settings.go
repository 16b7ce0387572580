package server

import "github.com/ilyakaznacheev/cleanenv"

// Settings are the process-level server options read from the environment.
type Settings struct {
	Env                    string `env:"STAKELINE_ENV" env-default:"prod"`
	Addr                   string `env:"STAKELINE_ADDR" env-default:"127.0.0.1:8080"`
	BasePath               string `env:"STAKELINE_BASE_PATH" env-default:"/v0"`
	JWTSecret              string `env:"STAKELINE_JWT_SECRET"`
	AllowLegacyActorHeader bool   `env:"STAKELINE_ALLOW_LEGACY_ACTOR_HEADER" env-default:"false"`
	EnableDevLogin         bool   `env:"STAKELINE_ENABLE_DEV_LOGIN" env-default:"false"`
}

func ReadSettings() (Settings, error) {
	var s Settings
	if err := cleanenv.ReadEnv(&s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Auth returns the auth options carried by s.
func (s Settings) Auth() AuthConfig {
	return AuthConfig{
		JWTSecret:              s.JWTSecret,
		AllowLegacyActorHeader: s.AllowLegacyActorHeader,
		EnableDevLogin:         s.EnableDevLogin,
	}
}
