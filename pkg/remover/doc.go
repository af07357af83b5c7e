/*
Package remover takes content out of the fleet, at two granularities.

Repo removal deletes every repo matching the task's regexes from a
backend, distribution first, then the repository, then the remote. A dry
run grades the same selection but only reports what would go. After real
deletions the server is reconciled so the inventory catches up.

Content removal strips individual content units from one repo and
republishes the result. Modifying a repo with hrefs it never held creates
no new version, in which case publication is skipped unless forced.
*/
package remover
