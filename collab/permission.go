package collab

import (
	"context"
)

// sheet access grants, ordered owner > edit > view > none
type Permission string

const (
	PermissionNone  Permission = ""
	PermissionView  Permission = "view"
	PermissionEdit  Permission = "edit"
	PermissionOwner Permission = "owner"
)

func (self Permission) level() int {
	switch self {
	case PermissionOwner:
		return 3
	case PermissionEdit:
		return 2
	case PermissionView:
		return 1
	default:
		return 0
	}
}

func (self Permission) AllowsRead() bool {
	return PermissionView.level() <= self.level()
}

func (self Permission) AllowsWrite() bool {
	return PermissionEdit.level() <= self.level()
}

// external permission resolver. resolution never mutates state
type PermissionResolver interface {
	// explicit grant for the user on the sheet, or none
	ResolvePermission(ctx context.Context, sheetId Id, userId Id) (Permission, error)
	// elevated identities get implicit owner-equivalent access
	// when no explicit grant exists
	IsElevated(ctx context.Context, userId Id) (bool, error)
}

// stateless authorization check consulted before every mutation or
// sensitive read. permission is re-resolved at the moment of each check,
// never cached from join time, because a grant may be revoked mid-session
type PermissionGate struct {
	resolver PermissionResolver
}

func NewPermissionGate(resolver PermissionResolver) *PermissionGate {
	return &PermissionGate{
		resolver: resolver,
	}
}

// effective permission: the explicit grant, or implicit owner for an
// elevated identity
func (self *PermissionGate) Resolve(ctx context.Context, sheetId Id, userId Id) (Permission, error) {
	permission, err := self.resolver.ResolvePermission(ctx, sheetId, userId)
	if err != nil {
		return PermissionNone, err
	}
	if permission == PermissionNone {
		elevated, err := self.resolver.IsElevated(ctx, userId)
		if err != nil {
			return PermissionNone, err
		}
		if elevated {
			return PermissionOwner, nil
		}
	}
	return permission, nil
}

func (self *PermissionGate) CanRead(ctx context.Context, sheetId Id, userId Id) (bool, Permission, error) {
	permission, err := self.Resolve(ctx, sheetId, userId)
	if err != nil {
		return false, PermissionNone, err
	}
	return permission.AllowsRead(), permission, nil
}

func (self *PermissionGate) CanWrite(ctx context.Context, sheetId Id, userId Id) (bool, Permission, error) {
	permission, err := self.Resolve(ctx, sheetId, userId)
	if err != nil {
		return false, PermissionNone, err
	}
	return permission.AllowsWrite(), permission, nil
}
