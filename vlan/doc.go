// Package vlan implements the identity and routing scheme used to
// authenticate traffic between pipeline devices.
//
// Every endpoint is identified by a compact Identity: a 2-bit physical
// node id plus a 4-bit accelerator instance id. A pair of identities is
// packed into a 12-bit Tag carried with each transfer; the receiving
// side decodes the tag and checks it against its local identity and an
// explicit allow-list of permitted routes. The zero Identity is reserved
// for the external network and bypasses the allow-list on ingress.
//
// A RouteRegistry holds one process's local identity, the directory of
// known endpoint identities, and the route allow-list. It is constructed
// explicitly and passed by reference to every node that needs it; there
// is no package-level instance, so independent pipelines in one process
// stay isolated. At most one registry should exist per physical device.
package vlan
