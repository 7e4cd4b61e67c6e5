// Package contact implements contact and list management for a tenant.
//
// The service layer owns email normalization, duplicate detection, and the
// one-way suppression rules. It depends only on the Repository interface in
// this package; the PostgreSQL implementation lives in repository/postgres.
package contact
