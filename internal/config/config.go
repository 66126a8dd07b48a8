/**
 * @description
 * This package handles the configuration management for the slot service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the slot service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                  string  `mapstructure:"SERVER_PORT"`
	DatabaseURL                 string  `mapstructure:"DATABASE_URL"`
	LockTimeoutMS               int     `mapstructure:"LOCK_TIMEOUT_MS"`
	RedisURL                    string  `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix        string  `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                 string  `mapstructure:"RABBITMQ_URL"`
	EventsExchange              string  `mapstructure:"EVENTS_EXCHANGE"`
	ClerkJWKSURL                string  `mapstructure:"CLERK_JWKS_URL"`
	CORSAllowedOrigins          string  `mapstructure:"CORS_ALLOWED_ORIGINS"`
	PaystackBaseURL             string  `mapstructure:"PAYSTACK_BASE_URL"`
	PaystackSecretKey           string  `mapstructure:"PAYSTACK_SECRET_KEY"`
	PaystackCallbackURL         string  `mapstructure:"PAYSTACK_CALLBACK_URL"`
	PaymentCurrency             string  `mapstructure:"PAYMENT_CURRENCY"`
	GuestFlatFeeKobo            int64   `mapstructure:"GUEST_FLAT_FEE_KOBO"`
	CreatorDiscountPercent      float64 `mapstructure:"CREATOR_DISCOUNT_PERCENT"`
	SlotExpiryDays              int     `mapstructure:"SLOT_EXPIRY_DAYS"`
	GuestJoinRateLimitPerMinute int     `mapstructure:"GUEST_JOIN_RATE_LIMIT_PER_MINUTE"`
	TrendingWindowDays          int     `mapstructure:"TRENDING_WINDOW_DAYS"`
	TrendingLimit               int     `mapstructure:"TRENDING_LIMIT"`
	ReconcileJobSchedule        string  `mapstructure:"RECONCILE_JOB_SCHEDULE"`
	SlotExpiryJobSchedule       string  `mapstructure:"SLOT_EXPIRY_JOB_SCHEDULE"`
	PendingPaymentMinAgeMinutes int     `mapstructure:"PENDING_PAYMENT_MIN_AGE_MINUTES"`
	PendingPaymentAbandonHours  int     `mapstructure:"PENDING_PAYMENT_ABANDON_HOURS"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("LOCK_TIMEOUT_MS", 5000)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "shareplan:rate_limit")
	viper.SetDefault("EVENTS_EXCHANGE", "shareplan.events")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("PAYSTACK_BASE_URL", "https://api.paystack.co")
	viper.SetDefault("PAYMENT_CURRENCY", "NGN")
	viper.SetDefault("GUEST_FLAT_FEE_KOBO", 0)
	viper.SetDefault("CREATOR_DISCOUNT_PERCENT", 0.0)
	viper.SetDefault("SLOT_EXPIRY_DAYS", 3)
	viper.SetDefault("GUEST_JOIN_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("TRENDING_WINDOW_DAYS", 7)
	viper.SetDefault("TRENDING_LIMIT", 6)
	viper.SetDefault("RECONCILE_JOB_SCHEDULE", "*/5 * * * *")
	viper.SetDefault("SLOT_EXPIRY_JOB_SCHEDULE", "0 * * * *")
	viper.SetDefault("PENDING_PAYMENT_MIN_AGE_MINUTES", 10)
	viper.SetDefault("PENDING_PAYMENT_ABANDON_HOURS", 24)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("LOCK_TIMEOUT_MS")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "SHAREPLAN_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("PAYSTACK_BASE_URL")
	_ = viper.BindEnv("PAYSTACK_SECRET_KEY", "PAYSTACK_SECRET_KEY", "PAYSTACK_SECRET")
	_ = viper.BindEnv("PAYSTACK_CALLBACK_URL")
	_ = viper.BindEnv("PAYMENT_CURRENCY")
	_ = viper.BindEnv("GUEST_FLAT_FEE_KOBO")
	_ = viper.BindEnv("GUEST_FLAT_FEE")
	_ = viper.BindEnv("CREATOR_DISCOUNT_PERCENT")
	_ = viper.BindEnv("SLOT_EXPIRY_DAYS")
	_ = viper.BindEnv("GUEST_JOIN_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("TRENDING_WINDOW_DAYS")
	_ = viper.BindEnv("TRENDING_LIMIT")
	_ = viper.BindEnv("RECONCILE_JOB_SCHEDULE")
	_ = viper.BindEnv("SLOT_EXPIRY_JOB_SCHEDULE")
	_ = viper.BindEnv("PENDING_PAYMENT_MIN_AGE_MINUTES")
	_ = viper.BindEnv("PENDING_PAYMENT_ABANDON_HOURS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "shareplan:rate_limit"
	}
	config.EventsExchange = strings.TrimSpace(config.EventsExchange)
	if config.EventsExchange == "" {
		config.EventsExchange = "shareplan.events"
	}
	config.PaystackSecretKey = strings.TrimSpace(config.PaystackSecretKey)
	config.PaymentCurrency = strings.ToUpper(strings.TrimSpace(config.PaymentCurrency))
	if config.PaymentCurrency == "" {
		config.PaymentCurrency = "NGN"
	}

	// Allow specifying the guest fee in whole currency units via GUEST_FLAT_FEE.
	if viper.IsSet("GUEST_FLAT_FEE") {
		feeStr := strings.TrimSpace(viper.GetString("GUEST_FLAT_FEE"))
		if feeStr != "" {
			feeValue, parseErr := strconv.ParseFloat(feeStr, 64)
			if parseErr != nil {
				log.Printf("level=warn component=config msg=\"invalid GUEST_FLAT_FEE\" value=%q err=%v", feeStr, parseErr)
			} else {
				config.GuestFlatFeeKobo = int64(math.Round(feeValue * 100))
			}
		}
	}

	if config.GuestFlatFeeKobo < 0 {
		log.Printf("level=warn component=config msg=\"negative guest fee configured; coercing to zero\" fee_kobo=%d", config.GuestFlatFeeKobo)
		config.GuestFlatFeeKobo = 0
	}

	if config.CreatorDiscountPercent < 0 {
		log.Printf("level=warn component=config msg=\"negative creator discount configured; coercing to zero\" discount_percent=%f", config.CreatorDiscountPercent)
		config.CreatorDiscountPercent = 0
	}
	if config.CreatorDiscountPercent > 100 {
		log.Printf("level=warn component=config msg=\"creator discount too high; capping at 100\" discount_percent=%f", config.CreatorDiscountPercent)
		config.CreatorDiscountPercent = 100
	}

	if config.LockTimeoutMS <= 0 {
		config.LockTimeoutMS = 5000
	}
	if config.SlotExpiryDays <= 0 {
		config.SlotExpiryDays = 3
	}
	if config.GuestJoinRateLimitPerMinute <= 0 {
		config.GuestJoinRateLimitPerMinute = 10
	}
	if config.TrendingWindowDays <= 0 {
		config.TrendingWindowDays = 7
	}
	if config.TrendingLimit <= 0 {
		config.TrendingLimit = 6
	}
	if config.PendingPaymentMinAgeMinutes <= 0 {
		config.PendingPaymentMinAgeMinutes = 10
	}
	if config.PendingPaymentAbandonHours <= 0 {
		config.PendingPaymentAbandonHours = 24
	}
	if strings.TrimSpace(config.ReconcileJobSchedule) == "" {
		config.ReconcileJobSchedule = "*/5 * * * *"
	}
	if strings.TrimSpace(config.SlotExpiryJobSchedule) == "" {
		config.SlotExpiryJobSchedule = "0 * * * *"
	}

	return
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
