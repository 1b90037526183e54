// Package action defines the contract every unit of cached work implements,
// along with the registry the client and scheduler use to look actions up by
// name.
package action
