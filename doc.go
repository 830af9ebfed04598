/*
go-heatcount trains convolutional object counters that predict a Gaussian
heatmap per class and a class mask over a down sampled output grid.

The root package holds the shared data types (Tensor, Annotation, Sample,
Batch) and the compute backends a model runs on, either a single Runtime or a
Replicated backend spreading each batch over several devices.  Target
generation, the loss, optimizers, data loading and the training loop itself
live in the subpackages target, loss, optim, data and detector.

See example code and usage in the examples subdirectory.
*/
package heatcount
