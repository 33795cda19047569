package store

import "fmt"

// Path layout of the remote store:
//
//	memberships/{principal}                      consolidated membership index
//	workspaces/{ws}/clients/{id}                 client records
//	workspaces/{ws}/clients/{id}/intake/initial  intake form (authoritative presence)
//	workspaces/{ws}/clients/{id}/payments/{pid}  payment ledger (authoritative sum)
//	workspaces/{ws}/staff/{uid}                  staff roster
//	workspaces/{ws}/roles/{admins,staff,superadmins}  role uid lists

// MembershipPath returns the consolidated membership index document for
// a principal.
func MembershipPath(principalID string) string {
	return fmt.Sprintf("memberships/%s", principalID)
}

// ClientsPath returns the client collection of a workspace.
func ClientsPath(workspaceID string) string {
	return fmt.Sprintf("workspaces/%s/clients", workspaceID)
}

// ClientPath returns one client record document.
func ClientPath(workspaceID, clientID string) string {
	return fmt.Sprintf("workspaces/%s/clients/%s", workspaceID, clientID)
}

// IntakeFormPath returns the initial intake form document of a client.
func IntakeFormPath(workspaceID, clientID string) string {
	return fmt.Sprintf("workspaces/%s/clients/%s/intake/initial", workspaceID, clientID)
}

// PaymentsPath returns the payment subcollection of a client.
func PaymentsPath(workspaceID, clientID string) string {
	return fmt.Sprintf("workspaces/%s/clients/%s/payments", workspaceID, clientID)
}

// StaffPath returns one staff roster document.
func StaffPath(workspaceID, uid string) string {
	return fmt.Sprintf("workspaces/%s/staff/%s", workspaceID, uid)
}

// RoleListPath returns a role uid-list document (admins, staff, superadmins).
func RoleListPath(workspaceID, list string) string {
	return fmt.Sprintf("workspaces/%s/roles/%s", workspaceID, list)
}
