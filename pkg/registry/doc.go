// Package registry tracks the fleet's node records: status, capacity
// configuration, and current certificate thumbprint. The capacity engine
// consumes it through the narrow Registry interface; the enrollment
// service writes through StoreRegistry when a node completes enrollment.
package registry
