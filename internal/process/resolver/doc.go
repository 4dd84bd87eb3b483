// Package resolver decides which activity follows a committed one. Paths are
// evaluated in declaration order against a scope built from the submitted
// artifact, or for decision activities from the shared information the
// instance has accumulated. The first condition that holds wins; the default
// path is only taken when none does. Resolution is a pure function of the
// activity and the scope.
package resolver
