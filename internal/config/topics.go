package config

const (
	// TopicScrapeTrigger carries requests to start a scrape job from other services.
	TopicScrapeTrigger = "scrape.trigger"

	// TopicJobEvents carries scrape job lifecycle events (started, completed, failed).
	TopicJobEvents = "scrape.job.events"
)
