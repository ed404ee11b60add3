// Package blob stores media objects on local disk behind opaque handles of
// the form "local:<shard>/<uuid><ext>" and mints HMAC-signed presigned
// download URLs on demand.
package blob
