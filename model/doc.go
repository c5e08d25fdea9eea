// Package model defines the shared types exchanged between the database
// facades and the index implementations: records, search parameters and
// results, and construction parameters.
package model
