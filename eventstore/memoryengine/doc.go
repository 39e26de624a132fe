// Package memoryengine provides an in-memory eventstore.Backend for tests, demos and development.
//
// Every tenant has its own partition of streams and snapshots. By default a commit covering several
// tenants is atomic. WithPerTenantCommits makes the backend behave like one database per tenant,
// so that the store commits tenant by tenant and partial commits become observable.
package memoryengine
