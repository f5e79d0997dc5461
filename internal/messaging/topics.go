package messaging

// Kafka topics published by the bridge. Downstream consumers (stats,
// payout accounting, dashboards) subscribe to these.
const (
	// TopicShares carries one ShareEvent per routed submission verdict
	TopicShares = "sugarmaker.shares"
	// TopicJobs carries one JobEvent per upstream job announcement
	TopicJobs = "sugarmaker.jobs"
	// TopicPoolLink carries upstream connect/disconnect transitions
	TopicPoolLink = "sugarmaker.pool-link"
)
