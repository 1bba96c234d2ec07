// Package lock implements the editing lock coordinator: an advisory,
// time-bounded claim that gives one participant at a time the right to edit a
// shared item. Locks left behind by crashed clients expire after a timeout
// and are cleared by a periodic sweep. Lock state is kept by a Store, either
// the item records themselves or a dedicated DynamoDB table.
package lock
