package chat

// PendingRequests returns the number of sent requests waiting for a final response.
func (c *Core) PendingRequests() int {
	c.lock()
	defer c.unlock()
	return len(c.requests)
}

// AwaitingNotifications returns the number of outgoing messages matched by notifications.
func (c *Core) AwaitingNotifications() int {
	c.lock()
	defer c.unlock()
	return len(c.outByID)
}
