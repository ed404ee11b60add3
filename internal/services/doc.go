// Package services holds the error taxonomy and context annotations shared
// by every pipeline component, plus the clients for external providers in
// its subpackages.
package services
