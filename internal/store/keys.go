package store

// Keyspace prefixes. Kept disjoint so prefix scans never pick up foreign
// records.
const (
	keyBaseDocument = "cache/base"     // serialized normalized base document
	keyBaseRaw      = "cache/base_raw" // raw upstream text, fallback path

	keySubscriptionPrefix = "sub/"      // sub/<token>
	keyGroupSetPrefix     = "groupset/" // groupset/<id>
	keyRuleSetPrefix      = "ruleset/"  // ruleset/<id>
	keyUserPrefix         = "user/"     // user/<username>

	keyGlobalConfig = "config/global"
)

func keySubscription(token string) string { return keySubscriptionPrefix + token }
func keyGroupSet(id string) string        { return keyGroupSetPrefix + id }
func keyRuleSet(id string) string         { return keyRuleSetPrefix + id }
func keyUser(username string) string      { return keyUserPrefix + username }
