package mapping

// HandleGroupMembershipUpdate invalidates the cache entries a group_membership_update bus event makes stale: the
// membership list of group, and the set of groups user belongs to. It is called directly from the router's event
// dispatch rather than through a second pub/sub channel, since the bus already delivers these events.
func (c *Cache) HandleGroupMembershipUpdate(user, group string) {
	c.InvalidateUserGroups(user)
	c.InvalidateGroup(group)
}
