// Package graphview renders the role hierarchy for visualization and answers impact
// questions about it.
//
// GET /rbac/graph returns the hierarchy in Cytoscape.js format. With ?role=<id> the view is
// limited to that role's ancestors, descendants or both (?direction=), optionally cut at
// ?depth=. GET /rbac/roles/{id}/impact lists the roles and active rules that a change to a
// role would reach through inheritance.
package graphview
