// Package cli implements rolegraphctl, the command-line client for the rolegraph admin API.
//
// Every command takes -server (default $ROLEGRAPH_SERVER or http://localhost:8080), -as
// for the caller's role IDs (default $ROLEGRAPH_ROLES) and -json for raw output.
//
//	rolegraphctl role-create -name Editor -parent viewer
//	rolegraphctl permission-register -key document.write
//	rolegraphctl assign -role editor -permission perm-123 -effect allow -priority 10
//	rolegraphctl resolve -roles editor -key document.write:doc-42
//	rolegraphctl bulk -roles editor,author -permissions perm-1,perm-2 -effect deny
//	rolegraphctl audit -type rule.revoked -since 24h
//	rolegraphctl webhooks add -url https://hooks.example.com/rbac -events 'rule.*' -format slack
package cli
