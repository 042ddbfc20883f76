// Package mysql opens MySQL connection pools and applies the embedded schema
// migrations used by the transaction journal.
package mysql
