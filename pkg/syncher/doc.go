/*
Package syncher runs repo group syncs against the backends.

A group sync is a parent task that fans out into one child task per repo
selected by the group's regexes. Children run in the same worker as the
parent, capped at the group's max concurrent syncs, newest registration
first. Each child walks three stages:

	sync repo               pull from the remote and wait for the backend
	remove banned packages  strip packages matching the banned patterns
	publish repo            publish the latest version if not already done

Repos syncing from internal domains skip the banned package stage, their
content is ours. After every child the repo's sync health is regraded
from its recent task history, and once the group drains the server gets a
rollup of the worst repo health.
*/
package syncher
