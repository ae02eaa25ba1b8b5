package portal

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ConfigPath string
	Profile    string
	Verbose    bool
	ApiGinMode string

	Ip             string
	Port           string
	RequestTimeout time.Duration

	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string

	// logging
	LogLevel  string
	LogFormat string
	LogFile   string

	//kc
	AuthAddress  string
	Issuer       string
	Audience     string
	Realm        string
	ClientID     string
	ClientSecret string

	// storage: postgres or sqlite
	StoreDriver string
	InitSQLPath string
	SQLitePath  string
	DBAddress   string
	DBUser      string
	DBPassword  string
	DBName      string

	// collaborators
	BillingURL     string
	BillingToken   string
	BillingTimeout time.Duration
	NATSURL        string
}

// LoadConfig reads the env file at path (when present) and the environment.
func LoadConfig(path string) Config {
	if err := godotenv.Load(path); err != nil {
		log.Printf("Failed to load the config file at %s, using default ones...", path)
	}

	s := strings.Split(path, "/")
	config := Config{
		ConfigPath: s[len(s)-1],
		Profile:    getEnv("PROFILE", "baremetal"),
		Verbose:    getBoolEnv("VERBOSE", "true"),
		ApiGinMode: getEnv("GIN_MODE", "debug"),

		Ip:             getEnv("IP", "localhost"),
		Port:           getEnv("PORT", "5060"),
		RequestTimeout: getDurationEnv("REQUEST_TIMEOUT", 10*time.Second),
		AllowedOrigins: getEnvFields("ALLOW_ORIGINS", []string{"*"}),
		AllowedMethods: getEnvFields("ALLOW_METHODS", []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}),
		AllowedHeaders: getEnvFields("ALLOW_HEADERS", []string{"Origin", "Content-Type", "Authorization"}),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
		LogFile:   getEnv("LOG_FILE", ""),

		AuthAddress:  getEnv("AUTH_ADDRESS", "localhost:5555"),
		Issuer:       getEnv("KC_ISSUER", "http://localhost:5555/realms/pms-portal"),
		Audience:     getEnv("KC_AUDIENCE", "pms-portal"),
		Realm:        getEnv("KC_REALM", "pms-portal"),
		ClientID:     getEnv("KC_CLIENT", "pms-portal"),
		ClientSecret: getEnv("KC_CLIENT_SECRET", ""),

		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", "postgres")),
		InitSQLPath: getEnv("INIT_SQL_PATH", ""),
		SQLitePath:  getEnv("SQLITE_PATH", "./data/pms.db"),
		DBAddress:   getEnv("DB_ADDRESS", "api-db:5432"),
		DBUser:      getEnv("DB_USER", "postgres"),
		DBPassword:  getEnv("DB_PASSWORD", "postgres"),
		DBName:      getEnv("DB_NAME", "pms"),

		BillingURL:     getEnv("BILLING_URL", ""),
		BillingToken:   getEnv("BILLING_TOKEN", ""),
		BillingTimeout: getDurationEnv("BILLING_TIMEOUT", 10*time.Second),
		NATSURL:        getEnv("NATS_URL", ""),
	}

	if config.Verbose {
		log.Print(config.toString())
	}

	return config
}

// DSN is the postgres connection string.
func (cfg *Config) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s/%s?sslmode=disable",
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBAddress,
		cfg.DBName,
	)
}

func getEnv(env, fallback string) string {
	if value, exists := os.LookupEnv(env); exists {
		return value
	}

	return fallback
}

func getEnvFields(env string, fallback []string) []string {
	if value, exists := os.LookupEnv(env); exists {
		fields := strings.Split(strings.TrimSpace(value), ",")
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}

		return fields
	}

	return fallback
}

func getBoolEnv(env, fallback string) bool {
	if value, exists := os.LookupEnv(env); exists {
		return strings.ToLower(value) == "true"
	}

	return strings.ToLower(fallback) == "true"
}

// getDurationEnv accepts Go durations ("15s") or plain seconds ("15").
func getDurationEnv(env string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(env); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}

	return fallback
}

var secretFields = map[string]bool{"DBPassword": true, "ClientSecret": true, "BillingToken": true}

func (cfg *Config) toString() string {
	var strBuilder strings.Builder

	reflectedValues := reflect.ValueOf(cfg).Elem()
	reflectedTypes := reflect.TypeOf(cfg).Elem()

	strBuilder.WriteString(fmt.Sprintf("[CFG]CONFIGURATION: %s\n", cfg.ConfigPath))

	for i := 0; i < reflectedValues.NumField(); i++ {
		fieldName := reflectedTypes.Field(i).Name
		fieldValue := reflectedValues.Field(i).Interface()

		if secretFields[fieldName] && fieldValue != "" {
			fieldValue = "******"
		}

		strBuilder.WriteString("[CFG]")
		if i < 9 {
			strBuilder.WriteString(fmt.Sprintf("%d.  ", i+1))
		} else {
			strBuilder.WriteString(fmt.Sprintf("%d. ", i+1))
		}
		if len(fieldName) <= 6 {
			strBuilder.WriteString(fmt.Sprintf("%v\t\t\t\t\t-> %v\n", fieldName, fieldValue))
		} else if len(fieldName) <= 14 {
			strBuilder.WriteString(fmt.Sprintf("%v\t\t\t\t-> %v\n", fieldName, fieldValue))
		} else {
			strBuilder.WriteString(fmt.Sprintf("%v\t\t\t-> %v\n", fieldName, fieldValue))
		}
	}

	return strBuilder.String()
}
