package stage

import (
	"strconv"
)

// HashText is the deterministic polynomial hash used for text sharding
// keys: h := h*31 + c over the bytes of value, with uint64 wraparound.
func HashText(value string) uint64 {
	var h uint64
	for i := 0; i < len(value); i++ {
		h = h*31 + uint64(value[i])
	}
	return h
}

// shardBucket maps a sharding value onto one of n buckets. Numeric values
// are parsed through float (ids arrive as "7.0" from some sources) and
// reduced modulo n; the canonical integer spelling is returned so the
// record can be rewritten before emission. Text values use HashText.
//
// An empty value routes to bucket 0 so no row is lost silently.
func shardBucket(value string, numeric bool, n int) (bucket int, canonical string, err error) {
	if value == "" {
		return 0, "", nil
	}
	if !numeric {
		return int(HashText(value) % uint64(n)), value, nil
	}

	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, "", err
	}
	v := int64(f)
	bucket = int(((v % int64(n)) + int64(n)) % int64(n))
	return bucket, strconv.FormatInt(v, 10), nil
}
