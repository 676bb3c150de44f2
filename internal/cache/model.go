package cache

import "time"

// Entry models one cached gateway response. The key is a logical resource
// name (movementLib, trainingProgress) or a composite id such as
// roster_<campId> or diary_<userId>_<start>_<end>.
type Entry struct {
	Key        string `gorm:"column:key;primaryKey;size:190;not null"`
	LastUpdate string `gorm:"column:last_update;size:64;not null"`
	Version    string `gorm:"column:version;size:190;not null;default:''"`
	Data       string `gorm:"column:data;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "cache_entries"
}

// LastUpdateTime parses the stored RFC3339 timestamp. A zero time is
// returned when the stored value is unparseable, which makes the entry
// always look stale to TTL checks.
func (e Entry) LastUpdateTime() time.Time {
	parsed, err := time.Parse(time.RFC3339, e.LastUpdate)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

// FreshWithin reports whether the entry was updated less than ttl before now.
func (e Entry) FreshWithin(ttl time.Duration, now time.Time) bool {
	return now.Sub(e.LastUpdateTime()) < ttl
}
