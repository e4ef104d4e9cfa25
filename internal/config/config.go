package config

import (
	"os"
	"strings"
)

type Postgres struct {
	User     string
	Password string
	DBName   string
	Host     string
	Port     string
	SSLMode  string
}

type Config struct {
	Port          string
	MQTTBrokerURL string
	JWTPublicKey  string
	AuthEnabled   bool
	Seed          bool
	Postgres      Postgres
}

func env(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func Load() Config {
	return Config{
		Port:          env("POLICY_ENGINE_PORT", "8097"),
		MQTTBrokerURL: env("MQTT_BROKER_URL", "tcp://mosquitto:1883"),
		JWTPublicKey:  env("JWT_PUBLIC_KEY_PATH", "/keys/jwt.pub"),
		AuthEnabled:   strings.TrimSpace(strings.ToLower(os.Getenv("POLICY_ENGINE_AUTH"))) != "false",
		Seed:          strings.TrimSpace(strings.ToLower(os.Getenv("POLICY_ENGINE_SEED"))) != "false",
		Postgres: Postgres{
			User:     env("POSTGRES_USER", "postgres"),
			Password: env("POSTGRES_PASSWORD", "postgres"),
			DBName:   env("POSTGRES_DB", "ecodorm"),
			Host:     env("POSTGRES_HOST", "postgres"),
			Port:     env("POSTGRES_PORT", "5432"),
			SSLMode:  env("POSTGRES_SSLMODE", "disable"),
		},
	}
}
