// package models defines the data model for the transfer bot: tasks, their
// lifecycle states, progress snapshots, and source/destination descriptors.
package models
