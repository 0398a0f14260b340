package metrics

import "time"

// OperationDispatch records a dispatch reaching state.
func OperationDispatch(action, state string, elapsed time.Duration) {
	if !enabled {
		return
	}
	operationDispatchTotal.WithLabelValues(action, state).Inc()
	operationDuration.WithLabelValues(action).Observe(elapsed.Seconds())
}

// OperationSend records one relay submission: "accepted", "rejected",
// "not_delivered" or "ambiguous".
func OperationSend(result string) {
	if !enabled {
		return
	}
	operationSendTotal.WithLabelValues(result).Inc()
}

// BadgeResolve records a per-token resolution result.
func BadgeResolve(result string) {
	if !enabled {
		return
	}
	badgeResolveTotal.WithLabelValues(result).Inc()
}

// BadgeDiscovery records a discovery outcome.
func BadgeDiscovery(status string) {
	if !enabled {
		return
	}
	badgeDiscoveryTotal.WithLabelValues(status).Inc()
}

// MetadataCache records a cache hit or miss.
func MetadataCache(hit bool) {
	if !enabled {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	metadataCacheTotal.WithLabelValues(result).Inc()
}

// ProposalPublish records a publish outcome.
func ProposalPublish(status string) {
	if !enabled {
		return
	}
	proposalPublishTotal.WithLabelValues(status).Inc()
}

// RetryScheduled matches retry.Policy.OnRetry's signature.
func RetryScheduled(op string, _ int, _ error, _ time.Duration) {
	if !enabled {
		return
	}
	if op == "" {
		op = "unnamed"
	}
	retryAttemptsTotal.WithLabelValues(op).Inc()
}
