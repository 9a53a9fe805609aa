package config

import "time"

// fileConfig mirrors the TOML layout. Pointer fields distinguish "unset" from
// zero so a file only overrides what it names.
type fileConfig struct {
	Env         *string `toml:"env"`
	HTTPPort    *string `toml:"http_port"`
	MetricsAddr *string `toml:"metrics_addr"`

	Log struct {
		Level  *string `toml:"level"`
		Format *string `toml:"format"`
	} `toml:"log"`

	Redis struct {
		URL      *string `toml:"url"`
		QueueKey *string `toml:"queue_key"`
		DLQKey   *string `toml:"dlq_key"`
	} `toml:"redis"`

	Database struct {
		URL *string `toml:"url"`
	} `toml:"database"`

	Paths struct {
		Music    *string `toml:"music"`
		Download *string `toml:"download"`
		Staging  *string `toml:"staging"`
	} `toml:"paths"`

	Worker struct {
		BatchSize                   *int    `toml:"batch_size"`
		SleepInterval               *string `toml:"sleep_interval"`
		NumWorkers                  *int    `toml:"num_workers"`
		Isolation                   *string `toml:"isolation"`
		MaxRetries                  *int    `toml:"max_retries"`
		StaleWindow                 *string `toml:"stale_window"`
		BaseTrackTimeout            *string `toml:"base_track_timeout"`
		MaxTrackTimeout             *string `toml:"max_track_timeout"`
		BatchTimeoutFloor           *string `toml:"batch_timeout_floor"`
		EmptyPollsBeforeMaintenance *int    `toml:"empty_polls_before_maintenance"`
		MaintenanceEveryBatches     *int    `toml:"maintenance_every_batches"`
		ConsecutiveErrorLimit       *int    `toml:"consecutive_error_limit"`
		ReconnectDelay              *string `toml:"reconnect_delay"`
	} `toml:"worker"`

	Analysis struct {
		Disabled         *bool   `toml:"disabled"`
		Version          *string `toml:"version"`
		FFProbePath      *string `toml:"ffprobe_path"`
		ExtractorCommand *string `toml:"extractor_command"`
		MaxFileSizeBytes *int64  `toml:"max_file_size_bytes"`
	} `toml:"analysis"`

	RateLimit struct {
		Capacity     *int     `toml:"capacity"`
		RefillPerSec *float64 `toml:"refill_per_sec"`
	} `toml:"rate_limit"`

	S3 struct {
		Region    *string `toml:"region"`
		Endpoint  *string `toml:"endpoint"`
		PathStyle *bool   `toml:"path_style"`
	} `toml:"s3"`
}

func (f fileConfig) apply(cfg *Config) {
	setString(&cfg.Env, f.Env)
	setString(&cfg.HTTPPort, f.HTTPPort)
	setString(&cfg.MetricsAddr, f.MetricsAddr)
	setString(&cfg.LogLevel, f.Log.Level)
	setString(&cfg.LogFormat, f.Log.Format)

	setString(&cfg.RedisURL, f.Redis.URL)
	setString(&cfg.QueueKey, f.Redis.QueueKey)
	setString(&cfg.DLQKey, f.Redis.DLQKey)
	setString(&cfg.DatabaseURL, f.Database.URL)

	setString(&cfg.MusicPath, f.Paths.Music)
	setString(&cfg.DownloadPath, f.Paths.Download)
	setString(&cfg.StagingDir, f.Paths.Staging)

	setInt(&cfg.BatchSize, f.Worker.BatchSize)
	setDuration(&cfg.SleepInterval, f.Worker.SleepInterval)
	setInt(&cfg.NumWorkers, f.Worker.NumWorkers)
	setString(&cfg.Isolation, f.Worker.Isolation)
	setInt(&cfg.MaxRetries, f.Worker.MaxRetries)
	setDuration(&cfg.StaleWindow, f.Worker.StaleWindow)
	setDuration(&cfg.BaseTrackTimeout, f.Worker.BaseTrackTimeout)
	setDuration(&cfg.MaxTrackTimeout, f.Worker.MaxTrackTimeout)
	setDuration(&cfg.BatchTimeoutFloor, f.Worker.BatchTimeoutFloor)
	setInt(&cfg.EmptyPollsBeforeMaintenance, f.Worker.EmptyPollsBeforeMaintenance)
	setInt(&cfg.MaintenanceEveryBatches, f.Worker.MaintenanceEveryBatches)
	setInt(&cfg.ConsecutiveErrorLimit, f.Worker.ConsecutiveErrorLimit)
	setDuration(&cfg.ReconnectDelay, f.Worker.ReconnectDelay)

	if f.Analysis.Disabled != nil {
		cfg.AnalysisDisabled = *f.Analysis.Disabled
	}
	setString(&cfg.AnalysisVersion, f.Analysis.Version)
	setString(&cfg.FFProbePath, f.Analysis.FFProbePath)
	setString(&cfg.ExtractorCommand, f.Analysis.ExtractorCommand)
	if f.Analysis.MaxFileSizeBytes != nil {
		cfg.MaxFileSizeBytes = *f.Analysis.MaxFileSizeBytes
	}

	setInt(&cfg.RateLimitCapacity, f.RateLimit.Capacity)
	if f.RateLimit.RefillPerSec != nil {
		cfg.RateLimitRefill = *f.RateLimit.RefillPerSec
	}

	setString(&cfg.S3Region, f.S3.Region)
	setString(&cfg.S3Endpoint, f.S3.Endpoint)
	if f.S3.PathStyle != nil {
		cfg.S3PathStyle = *f.S3.PathStyle
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

// setDuration ignores values that do not parse; Validate catches the
// resulting nonsense where it matters.
func setDuration(dst *time.Duration, v *string) {
	if v == nil {
		return
	}
	if d, err := time.ParseDuration(*v); err == nil {
		*dst = d
	}
}
